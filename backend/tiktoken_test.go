package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTikTokenUnknownEncoding(t *testing.T) {
	_, err := NewTikToken("not_an_encoding")
	assert.ErrorContains(t, err, `"not_an_encoding"`)
}

func TestTikTokenVocabSize(t *testing.T) {
	assert.Equal(t, 50257, (&TikToken{name: "r50k_base", eosID: 50256}).VocabSize())
	assert.Equal(t, 100277, (&TikToken{name: "cl100k_base", eosID: 100257}).VocabSize())
}
