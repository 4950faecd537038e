package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveDeterministic(t *testing.T) {
	meta := RequestMeta{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64)",
		AcceptLanguage: "en-US,en;q=0.9",
		AcceptEncoding: "gzip, deflate, br",
	}

	first := Resolve(meta)
	second := Resolve(meta)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64) // hex sha256
}

func TestResolveClientTokenPrecedence(t *testing.T) {
	meta := RequestMeta{
		UserAgent:   "Mozilla/5.0",
		ClientToken: "fp_9f86d081884c7d65",
	}

	assert.Equal(t, "fp_9f86d081884c7d65", Resolve(meta))

	// Whitespace-only tokens fall back to the header digest.
	meta.ClientToken = "   "
	fallback := Resolve(meta)
	assert.NotEqual(t, "fp_9f86d081884c7d65", fallback)
	assert.Len(t, fallback, 64)
}

func TestResolveDistinguishesHeaderBoundaries(t *testing.T) {
	a := Resolve(RequestMeta{UserAgent: "ab", AcceptLanguage: "c"})
	b := Resolve(RequestMeta{UserAgent: "a", AcceptLanguage: "bc"})

	assert.NotEqual(t, a, b)
}
