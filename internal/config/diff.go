package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// hashBytes is a stable 64-bit content hash. Empty input hashes to 0 so
// "no content" and "never hashed" compare equal.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func sectionHash(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// SummarizeConfigChange produces a short human-readable list of top-level
// sections that differ between two configs. It is used for reload logging
// only, so it favors brevity over completeness.
func SummarizeConfigChange(old, new *Config) string {
	if old == nil && new == nil {
		return "no changes"
	}
	if old == nil {
		return "initial config"
	}
	if new == nil {
		return "config cleared"
	}

	var changed []string
	add := func(name string, a, b any) {
		if sectionHash(a) != sectionHash(b) {
			changed = append(changed, name)
		}
	}

	add("logging", old.Logging, new.Logging)
	add("diag", old.Diag, new.Diag)
	add("watchdog", old.Watchdog, new.Watchdog)
	add("telegram", old.Telegram, new.Telegram)
	add("alerts", old.Alerts, new.Alerts)
	add("storage", old.Storage, new.Storage)
	add("jobs", old.Jobs, new.Jobs)

	if loops := summarizeLoopChanges(old.Loops, new.Loops); loops != "" {
		changed = append(changed, loops)
	}

	if len(changed) == 0 {
		return "no changes"
	}
	return strings.Join(changed, ", ")
}

func summarizeLoopChanges(old, new map[string]LoopConfigRaw) string {
	var added, removed, updated []string
	for name := range new {
		if _, ok := old[name]; !ok {
			added = append(added, name)
		}
	}
	for name, oc := range old {
		nc, ok := new[name]
		if !ok {
			removed = append(removed, name)
			continue
		}
		if sectionHash(oc) != sectionHash(nc) {
			updated = append(updated, name)
		}
	}
	if len(added) == 0 && len(removed) == 0 && len(updated) == 0 {
		return ""
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(updated)

	var parts []string
	if len(added) > 0 {
		parts = append(parts, fmt.Sprintf("+%s", strings.Join(added, ",+")))
	}
	if len(removed) > 0 {
		parts = append(parts, fmt.Sprintf("-%s", strings.Join(removed, ",-")))
	}
	if len(updated) > 0 {
		parts = append(parts, fmt.Sprintf("~%s", strings.Join(updated, ",~")))
	}
	return "loops(" + strings.Join(parts, " ") + ")"
}
