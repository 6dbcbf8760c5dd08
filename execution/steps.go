package execution

import (
	"regexp"
	"strconv"
	"strings"
)

// stepLinePattern matches numbered list items: "1. text" or "2) text".
var stepLinePattern = regexp.MustCompile(`^\s*(\d+)[.)]\s*(.+)$`)

// Gap records a numbered item whose number did not follow its predecessor.
// Steps are renumbered 1..N regardless; gaps are only reported.
type Gap struct {
	// Position is the 1-based number the step was given.
	Position int
	// Found is the number written in the template.
	Found int
}

// ParseSteps extracts step instructions from a numbered step template.
// Unnumbered lines following an item are folded into it, so an instruction
// may span several lines. Text before the first numbered item is ignored.
func ParseSteps(stepPrompt string) ([]string, []Gap) {
	var steps []string
	var gaps []Gap
	var current []string

	flush := func() {
		if len(current) > 0 {
			steps = append(steps, strings.TrimSpace(strings.Join(current, "\n")))
			current = nil
		}
	}

	for _, line := range strings.Split(stepPrompt, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if m := stepLinePattern.FindStringSubmatch(line); m != nil {
			flush()
			position := len(steps) + 1
			if found, err := strconv.Atoi(m[1]); err == nil && found != position {
				gaps = append(gaps, Gap{Position: position, Found: found})
			}
			current = []string{strings.TrimSpace(m[2])}
			continue
		}
		if current != nil && strings.TrimSpace(line) != "" {
			current = append(current, line)
		}
	}
	flush()

	return steps, gaps
}

// CountSteps returns the number of steps in stepPrompt.
func CountSteps(stepPrompt string) int {
	steps, _ := ParseSteps(stepPrompt)
	return len(steps)
}
