package mirror

import "strings"

// momentaryDomains report every occurrence, even when the value repeats.
var momentaryDomains = map[string]bool{
	"event":        true,
	"button":       true,
	"input_button": true,
	"scene":        true,
}

// noiseKeywords mark chatty diagnostic entities that never drive rules.
var noiseKeywords = []string{"heartbeat", "storage_used", "recording_duration"}

// isRelevantChange applies the value and noise filters. The watched-set
// filter is applied separately by the mirror.
func isRelevantChange(c Change) bool {
	if c.Old != nil && c.Old.Value == c.New.Value && !momentaryDomains[Domain(c.EntityID)] {
		return false
	}
	for _, kw := range noiseKeywords {
		if strings.Contains(c.EntityID, kw) {
			return false
		}
	}
	return true
}
