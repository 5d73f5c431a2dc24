// Package sensitivity decides whether an observation carries agent-internal
// content that must be hidden from callers without graph:sensitive:view.
package sensitivity

import "strings"

// Observation is the minimal view of an observation record the classifier
// needs. Keeping it free of storage types keeps classification referentially
// transparent and unit-testable in isolation.
type Observation struct {
	MessageType string
	Sensitive   bool
	Contents    []string
}

var sensitiveMessageTypes = map[string]bool{
	"system":       true,
	"internal":     true,
	"coordination": true,
}

var sensitivePrefixes = []string{"[system]", "[internal]"}

// Classify reports whether the observation is sensitive. Rules are applied in
// fixed precedence, first match wins:
//  1. messageType is system, internal or coordination
//  2. the record-level sensitive flag is set
//  3. any contents entry, after trimming leading whitespace and case-folding,
//     starts with [system] or [internal]
func Classify(obs Observation) bool {
	if sensitiveMessageTypes[strings.ToLower(obs.MessageType)] {
		return true
	}
	if obs.Sensitive {
		return true
	}
	for _, entry := range obs.Contents {
		entry = strings.ToLower(strings.TrimLeft(entry, " \t\r\n"))
		for _, prefix := range sensitivePrefixes {
			if strings.HasPrefix(entry, prefix) {
				return true
			}
		}
	}
	return false
}
