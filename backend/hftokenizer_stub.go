//go:build !tokenizers

package backend

import (
	"fmt"

	"happy-transformer-go/happy"
)

// HFTokenizer is unavailable without the tokenizers build tag.
type HFTokenizer struct {
	happy.Tokenizer
}

// NewHFTokenizer always fails. Build with -tags tokenizers to enable it.
func NewHFTokenizer(path string) (*HFTokenizer, error) {
	return nil, fmt.Errorf("hf tokenizer %s: built without the tokenizers tag: %w", path, happy.ErrUnsupported)
}

// Close releases the native tokenizer.
func (t *HFTokenizer) Close() error {
	return nil
}
