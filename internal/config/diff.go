package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Every change applies
// to the next session; a running session keeps the config it started with.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ProviderChanged bool // provider entry or failover chain
	AgentChanged    bool // voice, instructions or transcription flags
	AudioChanged    bool // devices, rates, frame size or queue
	SessionChanged  bool // connect timeout or transcript policy

	// ListenAddrChanged reports a debug server address change, which only
	// takes effect after a restart.
	ListenAddrChanged bool
}

// Changed reports whether anything in d changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ProviderChanged || d.AgentChanged ||
		d.AudioChanged || d.SessionChanged || d.ListenAddrChanged
}

// NeedsNewProvider reports whether the live provider must be rebuilt.
func (d ConfigDiff) NeedsNewProvider() bool {
	return d.ProviderChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr

	d.ProviderChanged = !sameEntry(old.Provider, new.Provider) ||
		!slices.EqualFunc(old.Failover.Providers, new.Failover.Providers, sameEntry) ||
		old.Failover.MaxFailures != new.Failover.MaxFailures ||
		old.Failover.ResetTimeout != new.Failover.ResetTimeout

	oa, na := old.Agent, new.Agent
	d.AgentChanged = oa.Voice != na.Voice || oa.Instructions != na.Instructions ||
		enabled(oa.InputTranscription) != enabled(na.InputTranscription) ||
		enabled(oa.OutputTranscription) != enabled(na.OutputTranscription)

	d.AudioChanged = old.Audio != new.Audio
	d.SessionChanged = old.Session != new.Session

	return d
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL && a.Model == b.Model &&
		maps.EqualFunc(a.Options, b.Options, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}
