package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sourceWords returns n ten-character words, 10*n normalized characters.
func sourceWords(n int) []string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("word%06d", i)
	}
	return words
}

func narrationCalls(words []string) string {
	type call struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	var calls []call
	for i := 0; i < len(words); i += 5 {
		end := min(i+5, len(words))
		calls = append(calls, call{Name: "narrate", Arguments: map[string]string{"text": strings.Join(words[i:end], " ")}})
	}
	data, _ := json.Marshal(calls)
	return string(data)
}

func TestValidateTTSSchemaResponse_Thresholds(t *testing.T) {
	words := sourceWords(100)
	source := strings.Join(words, " ")
	output := narrationCalls(words[:85])

	res := ValidateTTSSchemaResponse(output, source, 0.80)
	assert.Equal(t, 1000, res.TotalChars)
	assert.Equal(t, 850, res.MatchedChars)
	assert.InDelta(t, 0.85, res.CoveragePercent, 1e-9)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Reason)

	res = ValidateTTSSchemaResponse(output, source, 0.90)
	assert.InDelta(t, 0.85, res.CoveragePercent, 1e-9)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "85%")
	assert.Contains(t, res.Reason, "word000085")
}

func TestValidateTTSSchemaResponse_SmallGapsTolerated(t *testing.T) {
	words := sourceWords(60)
	var spoken []string
	for i, w := range words {
		if i%7 != 3 {
			spoken = append(spoken, w)
		}
	}

	res := ValidateTTSSchemaResponse(narrationCalls(spoken), strings.Join(words, " "), 0.80)
	assert.Equal(t, len(spoken)*10, res.MatchedChars)
	assert.True(t, res.IsValid)
}

func TestValidateTTSSchemaResponse_OmissionMidChunk(t *testing.T) {
	words := sourceWords(100)
	spoken := append(append([]string{}, words[:40]...), words[55:]...)

	res := ValidateTTSSchemaResponse(narrationCalls(spoken), strings.Join(words, " "), 0.80)
	assert.Equal(t, 850, res.MatchedChars)
	assert.InDelta(t, 0.85, res.CoveragePercent, 1e-9)
	assert.True(t, res.IsValid)

	res = ValidateTTSSchemaResponse(narrationCalls(spoken), strings.Join(words, " "), 0.90)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "85%")
}

func TestValidateTTSSchemaResponse_StrayWordDoesNotJumpAhead(t *testing.T) {
	words := sourceWords(60)
	// One far-ahead word in the middle must not move the cursor past the rest.
	spoken := append(append(append([]string{}, words[:20]...), words[50]), words[20:40]...)

	res := ValidateTTSSchemaResponse(narrationCalls(spoken), strings.Join(words, " "), 0.50)
	assert.Equal(t, 400, res.MatchedChars)
}

func TestValidateTTSSchemaResponse_NormalizesPunctuationAndCase(t *testing.T) {
	source := "¡Hola, María! ¿Cómo estás? —preguntó el farero."
	output := `[NARRATOR] hola maria
[MARIA] Cómo estás
[NARRATOR] preguntó el farero`

	res := ValidateTTSSchemaResponse(output, source, 0.80)
	// "maria" does not match "maría"; accents are letters and kept.
	assert.Equal(t, 3, res.Entries)
	assert.Less(t, res.CoveragePercent, 1.0)
	assert.Greater(t, res.CoveragePercent, 0.80)
	assert.True(t, res.IsValid)
}

func TestValidateTTSSchemaResponse_OutOfOrderNotCounted(t *testing.T) {
	words := sourceWords(40)
	reversed := make([]string, len(words))
	for i, w := range words {
		reversed[len(words)-1-i] = w
	}

	res := ValidateTTSSchemaResponse(narrationCalls(reversed), strings.Join(words, " "), 0.80)
	assert.False(t, res.IsValid)
	assert.Less(t, res.CoveragePercent, 0.5)
}

func TestValidateTTSSchemaResponse_NoEntries(t *testing.T) {
	res := ValidateTTSSchemaResponse("I could not do it.", "some text", 0.8)
	assert.False(t, res.IsValid)
	assert.Zero(t, res.Entries)
	assert.Contains(t, res.Reason, "no narration entries")

	r := res.ToResult()
	assert.True(t, r.NeedsRetry)
	require.NotNil(t, r.CoveragePercent)
}

func TestExtractSpokenText(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{"tool calls", `[{"name":"narrate","arguments":{"text":"uno"}},{"name":"speak","arguments":{"text":"dos"}}]`, []string{"uno", "dos"}},
		{"json entries", "```json\n{\"segments\": [{\"speaker\": \"N\", \"text\": \"uno\"}, {\"speaker\": \"M\", \"text\": \"dos\"}]}\n```", []string{"uno", "dos"}},
		{"tagged lines", "[NARRATOR] uno\nignored line\n[MARIA] dos", []string{"uno", "dos"}},
		{"nothing", "plain prose", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractSpokenText(tt.output))
		})
	}
}
