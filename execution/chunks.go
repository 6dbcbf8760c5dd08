package execution

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// DefaultChunkSize is the chunk length, in characters, used when neither the
// task type nor the execution config sets one.
const DefaultChunkSize = 3000

var chunkRefPattern = regexp.MustCompile(`\{\{CHUNK_(\d+)\}\}`)

// SplitChunks slices text into chunks of at most size characters. Cuts are
// moved back to the nearest whitespace when one exists in the chunk, so words
// are not split. Chunks are trimmed; empty chunks are dropped.
func SplitChunks(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	runes := []rune(strings.TrimSpace(text))

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= size {
			chunks = appendChunk(chunks, runes)
			break
		}
		cut := size
		for i := size; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		chunks = appendChunk(chunks, runes[:cut])
		runes = runes[cut:]
	}
	return chunks
}

func appendChunk(chunks []string, r []rune) []string {
	if s := strings.TrimSpace(string(r)); s != "" {
		return append(chunks, s)
	}
	return chunks
}

// firstChunkRef returns the first N referenced as {{CHUNK_N}} in text.
func firstChunkRef(text string) (int, bool) {
	m := chunkRefPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}

// shiftChunkRefs adds offset to every {{CHUNK_N}} in text. It lets the last
// instruction of a template be repeated for the chunks past the end of the list.
func shiftChunkRefs(text string, offset int) string {
	if offset == 0 {
		return text
	}
	return chunkRefPattern.ReplaceAllStringFunc(text, func(tok string) string {
		n, _ := strconv.Atoi(chunkRefPattern.FindStringSubmatch(tok)[1])
		return "{{CHUNK_" + strconv.Itoa(n+offset) + "}}"
	})
}
