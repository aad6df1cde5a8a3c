package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// specialTokens are the token strings named in tokenizer_config.json.
type specialTokens struct {
	EOS  string
	BOS  string
	Pad  string
	Unk  string
	Mask string
}

// readSpecialTokens loads special tokens from tokenizer_config.json, falling
// back to special_tokens_map.json. Missing files yield empty strings.
func readSpecialTokens(dir string) specialTokens {
	var st specialTokens
	for _, name := range []string{"special_tokens_map.json", "tokenizer_config.json"} {
		data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // tokenizer directory chosen by the caller
		if err != nil {
			continue
		}

		var config struct {
			EOSToken  any `json:"eos_token"`
			BOSToken  any `json:"bos_token"`
			PadToken  any `json:"pad_token"`
			UnkToken  any `json:"unk_token"`
			MaskToken any `json:"mask_token"`
		}
		if err := json.Unmarshal(data, &config); err != nil {
			continue
		}

		set := func(dst *string, v any) {
			if s := extractTokenString(v); s != "" {
				*dst = s
			}
		}
		set(&st.EOS, config.EOSToken)
		set(&st.BOS, config.BOSToken)
		set(&st.Pad, config.PadToken)
		set(&st.Unk, config.UnkToken)
		set(&st.Mask, config.MaskToken)
	}
	return st
}

// extractTokenString extracts token string from JSON value (can be string or dict)
func extractTokenString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case map[string]any:
		if content, ok := v["content"].(string); ok {
			return content
		}
	}
	return ""
}

// VocabTokenizer is a pure-Go tokenizer built from the vocabulary files of
// a HuggingFace model directory. Words are looked up whole, then split
// WordPiece style; it does not apply BPE merges.
type VocabTokenizer struct {
	vocab     map[string]int
	invVocab  map[int]string
	special   []string
	eosID     int
	bosID     int
	padID     int
	unkID     int
	maskID    int
	maskToken string
	vocabSize int
	modelType string
}

// NewVocabTokenizer loads tokenizer.json or vocab.json from dir along with
// tokenizer_config.json and config.json when present.
func NewVocabTokenizer(dir string) (*VocabTokenizer, error) {
	t := &VocabTokenizer{
		vocab:    make(map[string]int),
		invVocab: make(map[int]string),
		eosID:    -1,
		bosID:    -1,
		padID:    -1,
		unkID:    -1,
		maskID:   -1,
	}

	// Try tokenizer.json first (most common)
	if err := t.loadFromTokenizerJSON(dir); err != nil {
		// Fall back to vocab.json (GPT-2 style)
		if err2 := t.loadFromVocabJSON(dir); err2 != nil {
			return nil, fmt.Errorf("failed to load tokenizer from %s: %w", dir, err)
		}
	}

	st := readSpecialTokens(dir)
	lookup := func(tok string, dst *int) {
		if id, ok := t.vocab[tok]; ok && tok != "" {
			*dst = id
			t.addSpecial(tok)
		}
	}
	lookup(st.EOS, &t.eosID)
	lookup(st.BOS, &t.bosID)
	lookup(st.Pad, &t.padID)
	lookup(st.Unk, &t.unkID)
	lookup(st.Mask, &t.maskID)
	if t.maskID >= 0 {
		t.maskToken = st.Mask
	}

	t.loadModelConfig(dir)
	return t, nil
}

// loadFromTokenizerJSON loads from tokenizer.json (standard HuggingFace format)
func (t *VocabTokenizer) loadFromTokenizerJSON(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer.json")) //nolint:gosec // tokenizer directory chosen by the caller
	if err != nil {
		return err
	}

	var tokenizerJSON struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
		AddedTokens []struct {
			ID      int    `json:"id"`
			Content string `json:"content"`
			Special bool   `json:"special"`
		} `json:"added_tokens"`
	}
	if err := json.Unmarshal(data, &tokenizerJSON); err != nil {
		return err
	}
	if len(tokenizerJSON.Model.Vocab) == 0 {
		return fmt.Errorf("tokenizer.json has no word-level vocabulary")
	}

	for token, id := range tokenizerJSON.Model.Vocab {
		t.vocab[token] = id
		t.invVocab[id] = token
	}
	for _, added := range tokenizerJSON.AddedTokens {
		t.vocab[added.Content] = added.ID
		t.invVocab[added.ID] = added.Content
		t.addSpecial(added.Content)
	}

	t.vocabSize = len(t.invVocab)
	return nil
}

// loadFromVocabJSON loads from vocab.json (GPT-2 style)
func (t *VocabTokenizer) loadFromVocabJSON(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "vocab.json")) //nolint:gosec // tokenizer directory chosen by the caller
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &t.vocab); err != nil {
		return err
	}
	for token, id := range t.vocab {
		t.invVocab[id] = token
	}
	t.vocabSize = len(t.vocab)
	return nil
}

// loadModelConfig reads ids from config.json, which win over token strings.
func (t *VocabTokenizer) loadModelConfig(dir string) {
	data, err := os.ReadFile(filepath.Join(dir, "config.json")) //nolint:gosec // tokenizer directory chosen by the caller
	if err != nil {
		return
	}

	var config struct {
		VocabSize  int    `json:"vocab_size"`
		EOSTokenID *int   `json:"eos_token_id"`
		BOSTokenID *int   `json:"bos_token_id"`
		PadTokenID *int   `json:"pad_token_id"`
		ModelType  string `json:"model_type"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return
	}

	if config.VocabSize > 0 {
		t.vocabSize = config.VocabSize
	}
	if config.EOSTokenID != nil {
		t.eosID = *config.EOSTokenID
	}
	if config.BOSTokenID != nil {
		t.bosID = *config.BOSTokenID
	}
	if config.PadTokenID != nil {
		t.padID = *config.PadTokenID
	}
	t.modelType = config.ModelType
}

func (t *VocabTokenizer) addSpecial(tok string) {
	for _, s := range t.special {
		if s == tok {
			return
		}
	}
	t.special = append(t.special, tok)
	// Longest first so "<mask>" never shadows "<mask_1>".
	sort.SliceStable(t.special, func(i, j int) bool {
		return len(t.special[i]) > len(t.special[j])
	})
}

// Encode converts text to token IDs. Special tokens are matched verbatim.
// Unknown words map to the unk token, or are dropped without one.
func (t *VocabTokenizer) Encode(text string) ([]int, error) {
	var tokens []int
	first := true
	for len(text) > 0 {
		if tok, ok := t.specialPrefix(text); ok {
			tokens = append(tokens, t.vocab[tok])
			text = text[len(tok):]
			first = false
			continue
		}

		next := len(text)
		for i := 1; i < len(text); i++ {
			if _, ok := t.specialPrefix(text[i:]); ok {
				next = i
				break
			}
		}
		for _, word := range splitWords(text[:next]) {
			tokens = append(tokens, t.encodeWord(word, first)...)
			first = false
		}
		text = text[next:]
	}
	return tokens, nil
}

func (t *VocabTokenizer) specialPrefix(text string) (string, bool) {
	for _, s := range t.special {
		if strings.HasPrefix(text, s) {
			return s, true
		}
	}
	return "", false
}

func (t *VocabTokenizer) encodeWord(word string, first bool) []int {
	candidates := []string{word}
	if !first {
		candidates = append(candidates, "Ġ"+word)
	}
	candidates = append(candidates, "▁"+word, strings.ToLower(word))
	for _, c := range candidates {
		if id, ok := t.vocab[c]; ok {
			return []int{id}
		}
	}

	if ids, ok := t.wordPiece(word); ok {
		return ids
	}
	if ids, ok := t.wordPiece(strings.ToLower(word)); ok {
		return ids
	}
	if t.unkID >= 0 {
		return []int{t.unkID}
	}
	return nil
}

// wordPiece splits word greedily into the longest pieces in the vocabulary,
// marking continuations with "##".
func (t *VocabTokenizer) wordPiece(word string) ([]int, bool) {
	runes := []rune(word)
	var ids []int
	for start := 0; start < len(runes); {
		end := len(runes)
		found := -1
		for ; end > start; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				found = id
				break
			}
		}
		if found < 0 {
			return nil, false
		}
		ids = append(ids, found)
		start = end
	}
	return ids, true
}

// splitWords splits on whitespace and keeps punctuation as separate words.
func splitWords(text string) []string {
	var words []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	for _, ch := range text {
		switch {
		case unicode.IsSpace(ch):
			flush()
		case unicode.IsPunct(ch):
			flush()
			words = append(words, string(ch))
		default:
			current.WriteRune(ch)
		}
	}
	flush()
	return words
}

// Decode converts token IDs to text, skipping EOS and padding.
func (t *VocabTokenizer) Decode(tokenIDs []int) (string, error) {
	var b strings.Builder
	for _, id := range tokenIDs {
		if id == t.eosID || id == t.padID {
			continue
		}
		tok, ok := t.invVocab[id]
		if !ok {
			return "", fmt.Errorf("unknown token id %d", id)
		}

		switch {
		case strings.HasPrefix(tok, "##"):
			b.WriteString(tok[2:])
		case strings.HasPrefix(tok, "Ġ"), strings.HasPrefix(tok, "▁"):
			b.WriteByte(' ')
			b.WriteString(strings.TrimPrefix(strings.TrimPrefix(tok, "Ġ"), "▁"))
		case b.Len() > 0 && !isPunctToken(tok):
			b.WriteByte(' ')
			b.WriteString(tok)
		default:
			b.WriteString(tok)
		}
	}
	return strings.TrimLeft(b.String(), " "), nil
}

func isPunctToken(tok string) bool {
	for _, r := range tok {
		if !unicode.IsPunct(r) {
			return false
		}
	}
	return tok != ""
}

// EOSTokenID returns the EOS token ID
func (t *VocabTokenizer) EOSTokenID() int {
	return t.eosID
}

// BOSTokenID returns the BOS token ID
func (t *VocabTokenizer) BOSTokenID() int {
	return t.bosID
}

// MaskToken returns the mask token, or "" if the vocabulary has none.
func (t *VocabTokenizer) MaskToken() string {
	return t.maskToken
}

// MaskTokenID returns the mask token ID
func (t *VocabTokenizer) MaskTokenID() int {
	return t.maskID
}

// VocabSize returns the vocabulary size
func (t *VocabTokenizer) VocabSize() int {
	return t.vocabSize
}

// ModelType returns the detected model type
func (t *VocabTokenizer) ModelType() string {
	return t.modelType
}
