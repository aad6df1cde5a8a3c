//go:build tokenizers

package backend

import (
	"fmt"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

// HFTokenizer runs the HuggingFace tokenizers library on a tokenizer.json
// file. It needs the libtokenizers static library at link time.
type HFTokenizer struct {
	tk        *tokenizers.Tokenizer
	eosID     int
	maskID    int
	maskToken string
}

// NewHFTokenizer loads a tokenizer.json file. Special tokens are read from
// the tokenizer_config.json beside it.
func NewHFTokenizer(path string) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer %s: %w", path, err)
	}

	t := &HFTokenizer{tk: tk, eosID: -1, maskID: -1}
	st := readSpecialTokens(filepath.Dir(path))
	if id, ok := t.tokenID(st.EOS); ok {
		t.eosID = id
	}
	if id, ok := t.tokenID(st.Mask); ok {
		t.maskID = id
		t.maskToken = st.Mask
	}
	return t, nil
}

func (t *HFTokenizer) tokenID(tok string) (int, bool) {
	if tok == "" {
		return 0, false
	}
	ids, _ := t.tk.Encode(tok, false)
	if len(ids) != 1 {
		return 0, false
	}
	return int(ids[0]), true
}

// Encode converts text to token IDs without adding special tokens.
func (t *HFTokenizer) Encode(text string) ([]int, error) {
	ids, _ := t.tk.Encode(text, false)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

// Decode converts token IDs to text, skipping special tokens.
func (t *HFTokenizer) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		if id < 0 {
			return "", fmt.Errorf("invalid token id %d", id)
		}
		ids[i] = uint32(id) //nolint:gosec // checked above
	}
	return t.tk.Decode(ids, true), nil
}

// EOSTokenID returns the EOS token ID
func (t *HFTokenizer) EOSTokenID() int {
	return t.eosID
}

// MaskToken returns the mask token
func (t *HFTokenizer) MaskToken() string {
	return t.maskToken
}

// MaskTokenID returns the mask token ID
func (t *HFTokenizer) MaskTokenID() int {
	return t.maskID
}

// VocabSize returns the vocabulary size
func (t *HFTokenizer) VocabSize() int {
	return int(t.tk.VocabSize())
}

// Close releases the native tokenizer.
func (t *HFTokenizer) Close() error {
	t.tk.Close()
	return nil
}
