package backend

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

const endOfText = "<|endoftext|>"

// TikToken wraps pkoukk/tiktoken-go for GPT-2 style byte-level BPE models.
//
// Supported encodings:
//   - r50k_base: GPT-2, GPT-Neo, GPT-J
//   - p50k_base: Codex
//   - cl100k_base: GPT-3.5, GPT-4
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
	eosID    int
}

// NewTikToken creates a tokenizer for the named encoding.
func NewTikToken(encodingName string) (*TikToken, error) {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encodingName, err)
	}

	eos := encoding.Encode(endOfText, []string{endOfText}, nil)
	if len(eos) != 1 {
		return nil, fmt.Errorf("encoding %q has no %s token", encodingName, endOfText)
	}

	return &TikToken{
		encoding: encoding,
		name:     encodingName,
		eosID:    eos[0],
	}, nil
}

// Encode converts text to token IDs. Special tokens in text are encoded as
// plain text.
func (t *TikToken) Encode(text string) ([]int, error) {
	return t.encoding.Encode(text, nil, nil), nil
}

// Decode converts token IDs to text
func (t *TikToken) Decode(tokenIDs []int) (string, error) {
	return t.encoding.Decode(tokenIDs), nil
}

// EOSTokenID returns the id of <|endoftext|>
func (t *TikToken) EOSTokenID() int {
	return t.eosID
}

// VocabSize returns the vocabulary size including <|endoftext|>.
func (t *TikToken) VocabSize() int {
	switch t.name {
	case "cl100k_base":
		return 100277
	default:
		return t.eosID + 1
	}
}

// Name returns the encoding name.
func (t *TikToken) Name() string {
	return t.name
}
