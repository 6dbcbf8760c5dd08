package providers

import (
	"net/http/httptest"
	"testing"

	"github.com/c360studio/semforge/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvidersRegistered(t *testing.T) {
	for _, name := range []string{"anthropic", "ollama", "openai"} {
		p := llm.GetProvider(name)
		require.NotNil(t, p, name)
		assert.Equal(t, name, p.Name())
	}
}

func TestOpenAIProvider_BuildURL(t *testing.T) {
	p := &OpenAIProvider{}

	assert.Equal(t, "https://api.openai.com/v1/chat/completions", p.BuildURL(""))
	assert.Equal(t, "https://openrouter.ai/api/v1/chat/completions", p.BuildURL("https://openrouter.ai/api/v1"))
}

func TestOpenAIProvider_SetHeaders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENROUTER_SITE_URL", "https://semforge.dev")
	t.Setenv("OPENROUTER_SITE_NAME", "")

	p := &OpenAIProvider{}
	req := httptest.NewRequest("POST", "http://example", nil)
	p.SetHeaders(req)

	assert.Equal(t, "Bearer sk-test", req.Header.Get("Authorization"))
	assert.Equal(t, "https://semforge.dev", req.Header.Get("HTTP-Referer"))
	assert.Empty(t, req.Header.Get("X-Title"))
}
