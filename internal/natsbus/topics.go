package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicWorkerInput is the request subject a worker serves subtasks on.
func TopicWorkerInput(worker string) string {
	return fmt.Sprintf("agent.%s.input", worker)
}

// TopicRunProgress carries reasoning_step events for one run.
func TopicRunProgress(runID string) string {
	return fmt.Sprintf("swarm.%s.progress", runID)
}

// TopicEventsRun carries lifecycle events for one run.
func TopicEventsRun(runID string) string {
	return fmt.Sprintf("events.swarm.%s", runID)
}

const (
	TopicEventsAll   = "events.>"
	TopicEventsSwarm = "events.swarm.*"
	TopicProgressAll = "swarm.*.progress"

	TopicEventsScheduleRan = "events.schedule.executed"

	// TopicHostConfig delivers host specialty and keyword configuration.
	TopicHostConfig = "host.config"
)
