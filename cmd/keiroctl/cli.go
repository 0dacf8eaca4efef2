// Package main is keiroctl, an operator CLI that works against a local
// keiro SQLite database.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Globals

	EventTypes    EventTypesCmd    `cmd:"" help:"List registered event types"`
	ValidateEvent ValidateEventCmd `cmd:"" help:"Validate an event against the registry"`
	CheckLimits   CheckLimitsCmd   `cmd:"" help:"Check resource usage against limits"`
	MergeLimits   MergeLimitsCmd   `cmd:"" help:"Merge a parent and child execution context"`
	StartRun      StartRunCmd      `cmd:"" help:"Start a run"`
	ShowRun       ShowRunCmd       `cmd:"" help:"Show a run's progress"`
	Events        EventsCmd        `cmd:"" help:"List events recorded for a run"`
	Digest        DigestCmd        `cmd:"" help:"Hash a run's decision log"`
	Deliver       DeliverCmd       `cmd:"" help:"Deliver runtime events to a run"`
	Version       VersionCmd       `cmd:"" help:"Show version information"`
}

// Globals are flags shared by every command.
type Globals struct {
	DB             string `default:"keiro.db" env:"KEIRO_SQLITE_PATH" help:"SQLite database path"`
	EventTypesFile string `env:"KEIRO_EVENT_TYPES_FILE" help:"YAML file of extra event types"`
	RoutinesFile   string `env:"KEIRO_ROUTINES_FILE" help:"YAML routine catalog"`
	Debug          bool   `help:"Enable debug logging"`
}

// EventTypesCmd lists the event registry.
type EventTypesCmd struct {
	Tier     string `help:"Only types in this tier (1, 2, 3, cross-cutting)"`
	Category string `help:"Only types in this category"`
}

// ValidateEventCmd validates an event document.
type ValidateEventCmd struct {
	Event string `arg:"" help:"Event JSON, @file, or - for stdin"`
}

// CheckLimitsCmd checks usage against limits.
type CheckLimitsCmd struct {
	Limits string `arg:"" help:"Limits JSON, @file, or - for stdin"`
	Usage  string `arg:"" help:"Usage JSON, @file, or - for stdin"`
}

// MergeLimitsCmd merges execution contexts.
type MergeLimitsCmd struct {
	Parent string `arg:"" help:"Parent execution context JSON, @file, or - for stdin"`
	Child  string `arg:"" help:"Child execution context JSON, @file, or - for stdin"`
}

// StartRunCmd starts a run.
type StartRunCmd struct {
	Instance map[string]string `short:"i" required:"" help:"instance_id=routine_id (repeatable)"`
	Limits   string            `help:"Limits JSON, @file, or - for stdin"`
	RunID    string            `name:"run-id" help:"Use this run ID instead of a generated one"`
}

// ShowRunCmd prints a run.
type ShowRunCmd struct {
	RunID string `arg:"" help:"Run ID"`
}

// EventsCmd lists a run's events.
type EventsCmd struct {
	RunID string `arg:"" help:"Run ID"`
	Type  string `help:"Only events of this type"`
	Limit int    `default:"100" help:"Maximum number of events"`
}

// DigestCmd hashes a run's decision log, optionally checking it against a
// previously recorded root.
type DigestCmd struct {
	RunID  string `arg:"" help:"Run ID"`
	Expect string `help:"Fail unless the Merkle root equals this value"`
}

// DeliverCmd groups the runtime event deliveries.
type DeliverCmd struct {
	Message    DeliverMessageCmd    `cmd:"" help:"Deliver a message"`
	Signal     DeliverSignalCmd     `cmd:"" help:"Broadcast a signal"`
	Error      DeliverErrorCmd      `cmd:"" help:"Deliver an error code"`
	Escalation DeliverEscalationCmd `cmd:"" help:"Deliver an escalation code"`
}

// DeliverMessageCmd delivers one message.
type DeliverMessageCmd struct {
	RunID     string   `arg:"" help:"Run ID"`
	MessageID string   `arg:"" help:"Message ID"`
	Target    []string `short:"t" help:"Target instance (repeatable, default all)"`
}

// DeliverSignalCmd broadcasts one signal.
type DeliverSignalCmd struct {
	RunID    string `arg:"" help:"Run ID"`
	SignalID string `arg:"" help:"Signal ID"`
}

// DeliverErrorCmd delivers an error code.
type DeliverErrorCmd struct {
	RunID    string `arg:"" help:"Run ID"`
	Code     string `arg:"" help:"Error code"`
	Instance string `short:"i" help:"Target instance (default all)"`
}

// DeliverEscalationCmd delivers an escalation code.
type DeliverEscalationCmd struct {
	RunID    string `arg:"" help:"Run ID"`
	Code     string `arg:"" help:"Escalation code"`
	Instance string `short:"i" help:"Target instance (default all)"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
