package config

import "reflect"

// Diff describes what changed between two loaded configurations. The
// watcher callback uses it to decide which changes can be applied live and
// which require a restart.
type Diff struct {
	// LogLevelChanged settings apply immediately.
	LogLevelChanged bool
	// PipelineChanged tuning (reserve tokens, tool iterations, retries,
	// chunk length, bot name) applies on the next message.
	PipelineChanged bool
	// RestartRequired is set for changes to the listener address,
	// provider wiring, fanout targets, MCP servers or prompt directory.
	RestartRequired bool
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return !d.LogLevelChanged && !d.PipelineChanged && !d.RestartRequired
}

// Compare computes the difference between two configurations.
func Compare(old, new *Config) Diff {
	var d Diff
	if old == nil || new == nil {
		d.RestartRequired = old != new
		return d
	}

	d.LogLevelChanged = old.Server.LogLevel != new.Server.LogLevel
	d.PipelineChanged = old.Pipeline != new.Pipeline

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Providers, new.Providers) ||
		!reflect.DeepEqual(old.Fanout, new.Fanout) ||
		!reflect.DeepEqual(old.MCP, new.MCP) ||
		old.Prompts != new.Prompts {
		d.RestartRequired = true
	}
	return d
}
