package happy

import (
	"context"
	"fmt"
	"strings"
)

// ModelRunner is the causal language model behind HappyGeneration.
// This can be implemented using various backends:
// - HTTP calls to a transformers server
// - ONNX Runtime sessions
// - Go ML libraries
type ModelRunner interface {
	// Logits returns the next-token logits for each sequence in the batch.
	Logits(ctx context.Context, batch [][]int) ([][]float32, error)

	// Close cleans up resources
	Close() error
}

// MaskedRunner is the masked language model behind HappyWordPrediction.
type MaskedRunner interface {
	// MaskLogits returns logits for every position of tokenIDs.
	MaskLogits(ctx context.Context, tokenIDs []int) ([][]float32, error)

	// Close cleans up resources
	Close() error
}

// Tokenizer is an interface for tokenizing text
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int
}

// MaskTokenizer is a Tokenizer that knows its mask token.
type MaskTokenizer interface {
	Tokenizer
	MaskToken() string
	MaskTokenID() int
}

// TextGenerator is implemented by backends that run the whole generation
// themselves. HappyGeneration prefers it over local decoding.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string, settings Settings, minLength, maxLength int) (string, error)
}

// MaskFiller is implemented by backends that run mask filling themselves.
type MaskFiller interface {
	FillMask(ctx context.Context, text string, targets []string, topK int) ([]WordPredictionResult, error)
}

// Saver is implemented by backends that can persist the model.
type Saver interface {
	Save(ctx context.Context, path string) error
}

// HubPusher is implemented by backends that can upload the model to a hub.
type HubPusher interface {
	PushToHub(ctx context.Context, repoName string, private bool) error
}

// MockModelRunner is a deterministic runner for demos and tests. It
// favours the token after the last one and emits EOS after a fixed number
// of steps.
type MockModelRunner struct {
	vocab    int
	eos      int
	eosAfter int
	calls    int
}

// NewMockModelRunner creates a new mock model runner
func NewMockModelRunner(vocab, eos, eosAfter int) *MockModelRunner {
	return &MockModelRunner{
		vocab:    vocab,
		eos:      eos,
		eosAfter: eosAfter,
	}
}

// Logits generates mock logits
func (m *MockModelRunner) Logits(ctx context.Context, batch [][]int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.calls++

	out := make([][]float32, len(batch))
	for i, seq := range batch {
		if len(seq) == 0 {
			return nil, fmt.Errorf("sequence %d has no tokens", i)
		}
		logits := make([]float32, m.vocab)
		next := (seq[len(seq)-1] + 1) % m.vocab
		if next == m.eos {
			next = (next + 1) % m.vocab
		}
		logits[next] = 5
		logits[(next+1)%m.vocab] = 4
		if m.eosAfter > 0 && m.calls > m.eosAfter {
			logits[m.eos] = 10
		}
		out[i] = logits
	}
	return out, nil
}

// MaskLogits favours the token one above each input token.
func (m *MockModelRunner) MaskLogits(ctx context.Context, tokenIDs []int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(tokenIDs))
	for i, id := range tokenIDs {
		logits := make([]float32, m.vocab)
		logits[(id+1)%m.vocab] = 3
		logits[(id+2)%m.vocab] = 2
		out[i] = logits
	}
	return out, nil
}

// Close cleans up resources
func (m *MockModelRunner) Close() error {
	return nil
}

// MockTokenizer is a character-level tokenizer for demos and tests. Token
// IDs are the letter offset from 'a' plus two; 0 is EOS and 1 is the mask.
type MockTokenizer struct {
	maskToken string
}

// NewMockTokenizer creates a new mock tokenizer
func NewMockTokenizer() *MockTokenizer {
	return &MockTokenizer{maskToken: "[MASK]"}
}

// Encode performs mock tokenization. Characters outside a-z are skipped.
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, 0, len(text))
	for len(text) > 0 {
		if strings.HasPrefix(text, t.maskToken) {
			tokens = append(tokens, 1)
			text = text[len(t.maskToken):]
			continue
		}
		c := text[0]
		if c >= 'a' && c <= 'z' {
			tokens = append(tokens, int(c-'a')+2)
		}
		text = text[1:]
	}
	return tokens, nil
}

// Decode performs mock detokenization
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	var b strings.Builder
	for _, id := range tokenIDs {
		switch {
		case id == 0:
		case id == 1:
			b.WriteString(t.maskToken)
		case id >= 2 && id < 28:
			b.WriteByte(byte('a' + id - 2))
		default:
			return "", fmt.Errorf("unknown token id %d", id)
		}
	}
	return b.String(), nil
}

// EOSTokenID returns the EOS token ID
func (t *MockTokenizer) EOSTokenID() int {
	return 0
}

// MaskToken returns the mask token
func (t *MockTokenizer) MaskToken() string {
	return t.maskToken
}

// MaskTokenID returns the mask token ID
func (t *MockTokenizer) MaskTokenID() int {
	return 1
}

// VocabSize returns the vocabulary size
func (t *MockTokenizer) VocabSize() int {
	return 28
}
