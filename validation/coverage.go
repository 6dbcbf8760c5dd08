package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/c360studio/semforge/llm"
)

// DefaultCoverageThreshold is the fraction of source characters a TTS schema
// must account for.
const DefaultCoverageThreshold = 0.80

// maxWordSkip bounds how far ahead in the source an extracted word may match,
// so dropped phrases don't stall the scan but reordered paragraphs don't count.
const maxWordSkip = 12

// resyncRun is how many consecutive spoken words must line up to skip past a
// passage longer than maxWordSkip.
const resyncRun = 3

var taggedLinePattern = regexp.MustCompile(`^\s*\[([^\]]+)\]\s*(.+)$`)

// CoverageResult reports how much of a source chunk a TTS schema covers.
type CoverageResult struct {
	IsValid         bool
	CoveragePercent float64
	MatchedChars    int
	TotalChars      int
	Entries         int
	Reason          string
}

// ToResult converts to a gate Result.
func (c CoverageResult) ToResult() Result {
	cov := c.CoveragePercent
	if c.IsValid {
		return Result{IsValid: true, CoveragePercent: &cov}
	}
	r := Invalid(c.Reason)
	r.CoveragePercent = &cov
	return r
}

// ValidateTTSSchemaResponse extracts the spoken text of a TTS schema response
// and measures, in order, how much of sourceChunk it covers. Both sides are
// compared lowercased with only letters and digits kept.
func ValidateTTSSchemaResponse(output, sourceChunk string, threshold float64) CoverageResult {
	if threshold <= 0 {
		threshold = DefaultCoverageThreshold
	}

	entries := ExtractSpokenText(output)
	if len(entries) == 0 {
		return CoverageResult{
			Reason: "no narration entries found; answer with tool calls or a JSON list of entries with a \"text\" field",
		}
	}

	source := normalizeWords(sourceChunk)
	total := 0
	for _, w := range source {
		total += len([]rune(w))
	}
	if total == 0 {
		return CoverageResult{IsValid: true, CoveragePercent: 1, Entries: len(entries)}
	}

	spoken := normalizeWords(strings.Join(entries, " "))
	matched, next := matchInOrder(source, spoken)

	res := CoverageResult{
		CoveragePercent: float64(matched) / float64(total),
		MatchedChars:    matched,
		TotalChars:      total,
		Entries:         len(entries),
	}
	res.IsValid = res.CoveragePercent >= threshold
	if !res.IsValid {
		res.Reason = fmt.Sprintf(
			"the schema covers %.0f%% of the source text but at least %.0f%% is required; transcribe the remaining text in full, continuing from: %q",
			res.CoveragePercent*100, threshold*100, snippet(source, next))
	}
	return res
}

// matchInOrder walks spoken words against the source. A word matches up to
// maxWordSkip words past the cursor; past that, the cursor only jumps ahead
// when resyncRun consecutive spoken words appear in sequence, so omitted
// passages are skipped without letting stray words match out of order. It
// returns matched characters and the index of the first source word after the
// last match.
func matchInOrder(source, spoken []string) (int, int) {
	matched, cursor := 0, 0
	for i, w := range spoken {
		if cursor >= len(source) {
			break
		}
		j := nearMatch(source, cursor, w)
		if j < 0 {
			j = resync(source, cursor+maxWordSkip+1, spoken[i:])
		}
		if j < 0 {
			continue
		}
		matched += len([]rune(w))
		cursor = j + 1
	}
	return matched, cursor
}

func nearMatch(source []string, cursor int, w string) int {
	limit := min(cursor+maxWordSkip+1, len(source))
	for j := cursor; j < limit; j++ {
		if source[j] == w {
			return j
		}
	}
	return -1
}

// resync returns the first source index at or after from where the leading
// resyncRun spoken words match in sequence, or -1.
func resync(source []string, from int, spoken []string) int {
	if len(spoken) < resyncRun {
		return -1
	}
	for j := from; j+resyncRun <= len(source); j++ {
		ok := true
		for k := 0; k < resyncRun; k++ {
			if source[j+k] != spoken[k] {
				ok = false
				break
			}
		}
		if ok {
			return j
		}
	}
	return -1
}

func snippet(words []string, from int) string {
	if from >= len(words) {
		return ""
	}
	to := min(from+12, len(words))
	return strings.Join(words[from:to], " ")
}

// ExtractSpokenText pulls the text of each narration entry out of a response:
// tool calls with a "text" argument, any JSON value carrying "text" fields, or
// lines tagged like "[NARRATOR] text".
func ExtractSpokenText(output string) []string {
	var out []string
	for _, call := range llm.ExtractToolCalls(output) {
		if s := strings.TrimSpace(call.StringArg("text")); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		return out
	}

	for _, candidate := range []string{llm.ExtractJSONArray(output), llm.ExtractJSON(output)} {
		if candidate == "" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(candidate), &v); err != nil {
			continue
		}
		collectText(v, &out)
		if len(out) > 0 {
			return out
		}
	}

	for _, line := range strings.Split(output, "\n") {
		if m := taggedLinePattern.FindStringSubmatch(line); m != nil {
			if s := strings.TrimSpace(m[2]); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func collectText(v any, out *[]string) {
	switch t := v.(type) {
	case map[string]any:
		if s, ok := t["text"].(string); ok && strings.TrimSpace(s) != "" {
			*out = append(*out, strings.TrimSpace(s))
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			if k != "text" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectText(t[k], out)
		}
	case []any:
		for _, child := range t {
			collectText(child, out)
		}
	}
}

// normalizeWords lowercases s and splits it into runs of letters and digits.
func normalizeWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
