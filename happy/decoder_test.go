package happy

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeText(t *testing.T, eosAfter int, prompt string, settings GENSettings, minLength, maxLength int) string {
	t.Helper()
	tok := NewMockTokenizer()
	d := NewDecoder(NewMockModelRunner(28, 0, eosAfter), tok, nil, 5)

	ids, err := tok.Encode(prompt)
	require.NoError(t, err)
	out, err := d.Decode(context.Background(), ids, settings, minLength, maxLength)
	require.NoError(t, err)
	text, err := tok.Decode(out)
	require.NoError(t, err)
	return text
}

func TestDecodeGreedy(t *testing.T) {
	got := decodeText(t, 0, "abc", DefaultPresets()[PresetGreedy].Typed(), 0, 5)
	assert.Equal(t, "defgh", got)
}

func TestDecodeStopsAtEOS(t *testing.T) {
	got := decodeText(t, 2, "abc", DefaultPresets()[PresetGreedy].Typed(), 0, 10)
	assert.Equal(t, "de", got)
}

func TestDecodeMinLengthDelaysEOS(t *testing.T) {
	got := decodeText(t, 2, "abc", DefaultPresets()[PresetGreedy].Typed(), 4, 10)
	assert.Equal(t, "defg", got)
}

func TestDecodeBeamSearch(t *testing.T) {
	settings := DefaultPresets()[PresetGreedy].Typed()
	settings.NumBeams = 3

	assert.Equal(t, "defg", decodeText(t, 0, "abc", settings, 0, 4))
	assert.Equal(t, "defg", decodeText(t, 0, "abc", DefaultPresets()[PresetBeamSearch].Typed(), 0, 4))
}

func TestDecodeSamplingTopKOneMatchesGreedy(t *testing.T) {
	settings := DefaultPresets()[PresetTopKSampling].Typed()
	settings.TopK = 1

	assert.Equal(t, "defgh", decodeText(t, 0, "abc", settings, 0, 5))
}

func TestDecodeSamplingIsReproducible(t *testing.T) {
	settings := DefaultPresets()[PresetGenericSampling].Typed()

	first := decodeText(t, 0, "abc", settings, 0, 8)
	second := decodeText(t, 0, "abc", settings, 0, 8)
	assert.Equal(t, first, second)
}

func TestDecodeBadWords(t *testing.T) {
	settings := DefaultPresets()[PresetGreedy].Typed()
	settings.BadWords = []string{"e"}

	// With "e" banned the runner's second choice wins.
	assert.Equal(t, "dfgh", decodeText(t, 0, "abc", settings, 0, 4))
}

func TestDecodeBadWordsIDs(t *testing.T) {
	settings := DefaultPresets()[PresetGreedy].Typed()
	settings.BadWordsIDs = [][]int{{6}} // "e"

	assert.Equal(t, "dfgh", decodeText(t, 0, "abc", settings, 0, 4))
}

func hasRepeatedNgram(tokens []int, n int) bool {
	seen := make(map[string]bool)
	for i := 0; i+n <= len(tokens); i++ {
		key := fmt.Sprint(tokens[i : i+n])
		if seen[key] {
			return true
		}
		seen[key] = true
	}
	return false
}

func TestDecodeNoRepeatNgram(t *testing.T) {
	// A six-token vocabulary makes the mock runner cycle 1..5.
	decode := func(ngram int) []int {
		d := NewDecoder(NewMockModelRunner(6, 0, 0), NewMockTokenizer(), nil, 5)
		settings := DefaultPresets()[PresetGreedy].Typed()
		settings.NoRepeatNgramSize = ngram
		out, err := d.Decode(context.Background(), []int{1}, settings, 12, 12)
		require.NoError(t, err)
		return append([]int{1}, out...)
	}

	assert.True(t, hasRepeatedNgram(decode(0), 2))

	got := decode(2)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 1, 3, 5, 2, 4, 1, 1, 4}, got)
	assert.False(t, hasRepeatedNgram(got, 2))
}

func TestDecodeEmptyPrompt(t *testing.T) {
	d := NewDecoder(NewMockModelRunner(28, 0, 0), NewMockTokenizer(), nil, 1)
	_, err := d.Decode(context.Background(), nil, GENSettings{}, 0, 3)
	assert.Error(t, err)
}

func TestDecodeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDecoder(NewMockModelRunner(28, 0, 0), NewMockTokenizer(), nil, 1)
	_, err := d.Decode(ctx, []int{2}, GENSettings{NumBeams: 1}, 0, 3)
	assert.ErrorIs(t, err, context.Canceled)
}
