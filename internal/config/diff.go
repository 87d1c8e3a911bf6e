package config

import (
	"encoding/json"
	"reflect"
)

// ChangedSections reports which top-level sections differ between two
// configs, for reload logging. Secrets never appear in the output; only
// section names do.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	add := func(name string, a, b any) {
		if !equalJSON(a, b) {
			changed = append(changed, name)
		}
	}
	add("logging", oldCfg.Logging, newCfg.Logging)
	add("calendar", oldCfg.Calendar, newCfg.Calendar)
	add("dedup", oldCfg.Dedup, newCfg.Dedup)
	add("chatapi", oldCfg.ChatAPI, newCfg.ChatAPI)
	add("alerts", oldCfg.Alerts, newCfg.Alerts)
	add("flow", oldCfg.Flow, newCfg.Flow)
	add("triggers", oldCfg.Triggers, newCfg.Triggers)
	add("dispatch", oldCfg.Dispatch, newCfg.Dispatch)
	return changed
}

func equalJSON(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
