package config

import "slices"

// ConfigDiff describes what changed between two configs. Only fields that
// are safely hot-reloadable are tracked — currently just the TTS engine URL
// list, the one value the Watcher re-reads on an interval.
type ConfigDiff struct {
	EnginesChanged bool
	Added          []string
	Removed        []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	for _, u := range new.TTSEngineURLs {
		if !slices.Contains(old.TTSEngineURLs, u) {
			d.Added = append(d.Added, u)
		}
	}
	for _, u := range old.TTSEngineURLs {
		if !slices.Contains(new.TTSEngineURLs, u) {
			d.Removed = append(d.Removed, u)
		}
	}
	d.EnginesChanged = len(d.Added) > 0 || len(d.Removed) > 0

	return d
}
