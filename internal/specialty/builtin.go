package specialty

// General is returned by Detect when no specialty matches.
const General = "general"

// builtins ship with the engine so it classifies work with zero
// configuration. Order is detection order.
var builtins = []Specialty{
	{
		Name:        "code",
		Description: "Writes, reviews and debugs source code",
		Patterns: []string{
			"code", "function", "bug", "debug", "implement", "refactor", "script",
			"compile", "api", "python", "javascript", "typescript", "golang", "sql",
			"unit test", "код", "функци", "скрипт",
		},
	},
	{
		Name:        "research",
		Description: "Finds and compares information from sources",
		Patterns: []string{
			"research", "search", "find", "investigate", "compare", "look up",
			"sources", "literature", "найди", "исследу", "сравни",
		},
	},
	{
		Name:        "data",
		Description: "Analyses datasets and produces metrics",
		Patterns: []string{
			"analyze", "analyse", "analysis", "data", "statistic", "chart", "metric",
			"dataset", "csv", "spreadsheet", "анализ", "данны", "статистик",
		},
	},
	{
		Name:        "writing",
		Description: "Drafts, edits, summarizes and translates text",
		Patterns: []string{
			"write", "draft", "summarize", "summarise", "summary", "translate",
			"essay", "article", "proofread", "email", "напиши", "переведи", "резюм",
		},
	},
	{
		Name:        "planning",
		Description: "Breaks goals into plans and schedules",
		Patterns: []string{
			"plan", "roadmap", "schedule", "milestone", "strategy", "timeline",
			"план", "стратеги",
		},
	},
}
