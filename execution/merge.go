package execution

import "strings"

const mergeSeparator = "\n\n"

// Merge combines step outputs, given in step order, per strategy. Empty
// outputs (steps short-circuited by a missing chunk) are skipped.
func Merge(strategy MergeStrategy, outputs []string, skipFirst int) string {
	switch strategy {
	case MergeLastOnly:
		for i := len(outputs) - 1; i >= 0; i-- {
			if strings.TrimSpace(outputs[i]) != "" {
				return strings.TrimSpace(outputs[i])
			}
		}
		return ""
	case MergeAccumulateChapters:
		if skipFirst >= len(outputs) {
			return ""
		}
		if skipFirst > 0 {
			outputs = outputs[skipFirst:]
		}
	}

	parts := make([]string, 0, len(outputs))
	for _, out := range outputs {
		if s := strings.TrimSpace(out); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, mergeSeparator)
}
