package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	SpecialtiesAdded   []string
	SpecialtiesRemoved []string
	SpecialtiesChanged []string
	// SpecialtyOrderChanged is set when the same names appear in a new order.
	// Detection priority follows the configured order, so this is reloadable.
	SpecialtyOrderChanged bool

	KeywordsChanged bool

	OrchestratorChanged bool
	NewOrchestrator     OrchestratorConfig

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.HostChanged() ||
		d.OrchestratorChanged ||
		d.SchedulerChanged
}

// HostChanged reports whether the host specialty or keyword lists changed.
func (d *ConfigDiff) HostChanged() bool {
	return len(d.SpecialtiesAdded) > 0 ||
		len(d.SpecialtiesRemoved) > 0 ||
		len(d.SpecialtiesChanged) > 0 ||
		d.SpecialtyOrderChanged ||
		d.KeywordsChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	oldSpecs := make(map[string]SpecialtyDefinition, len(old.Specialties))
	for _, s := range old.Specialties {
		oldSpecs[s.Name] = s
	}
	newSpecs := make(map[string]SpecialtyDefinition, len(new.Specialties))
	for _, s := range new.Specialties {
		newSpecs[s.Name] = s
	}

	for _, s := range new.Specialties {
		oldDef, ok := oldSpecs[s.Name]
		if !ok {
			d.SpecialtiesAdded = append(d.SpecialtiesAdded, s.Name)
			continue
		}
		if !reflect.DeepEqual(oldDef, s) {
			d.SpecialtiesChanged = append(d.SpecialtiesChanged, s.Name)
		}
	}
	for _, s := range old.Specialties {
		if _, ok := newSpecs[s.Name]; !ok {
			d.SpecialtiesRemoved = append(d.SpecialtiesRemoved, s.Name)
		}
	}
	if len(d.SpecialtiesAdded) == 0 && len(d.SpecialtiesRemoved) == 0 && len(old.Specialties) == len(new.Specialties) {
		for i := range new.Specialties {
			if old.Specialties[i].Name != new.Specialties[i].Name {
				d.SpecialtyOrderChanged = true
				break
			}
		}
	}

	if !reflect.DeepEqual(old.ComplexityKeywords, new.ComplexityKeywords) {
		d.KeywordsChanged = true
	}

	if old.Orchestrator != new.Orchestrator {
		d.OrchestratorChanged = true
		d.NewOrchestrator = new.Orchestrator
	}

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	// Non-reloadable warnings
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.NATS.Port != new.NATS.Port || old.NATS.URL != new.NATS.URL {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Telegram.Token != new.Telegram.Token || !reflect.DeepEqual(old.Telegram.AllowFrom, new.Telegram.AllowFrom) {
		d.NonReloadable = append(d.NonReloadable, "telegram")
	}
	if old.Executor != new.Executor {
		d.NonReloadable = append(d.NonReloadable, "executor")
	}

	return d
}
