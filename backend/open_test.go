package backend

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"happy-transformer-go/happy"
)

func testConfig(url string, opts ...happy.ConfigOption) *happy.Config {
	opts = append([]happy.ConfigOption{
		happy.WithServerURL(url),
		happy.WithDevice(happy.DeviceCPU),
		happy.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return happy.NewConfig("gpt2", opts...)
}

func TestOpenGenerationOverHTTP(t *testing.T) {
	f, srv := newFakeServer(t)
	f.reply("/generate", map[string]any{"text": "abc"})

	gen, err := OpenGeneration(context.Background(), testConfig(srv.URL))
	require.NoError(t, err)
	defer gen.Close()

	res, err := gen.GenerateText(context.Background(), "hello", happy.PresetTopKSampling, nil, 2, 8)
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Text)
	assert.Equal(t, true, f.request("/generate")["settings"].(map[string]any)["do_sample"])
}

func TestOpenWordPredictionOverHTTP(t *testing.T) {
	f, srv := newFakeServer(t)
	f.reply("/fill_mask", map[string]any{"results": []map[string]any{{"token": "cat", "score": 0.7}}})

	wp, err := OpenWordPrediction(context.Background(), testConfig(srv.URL))
	require.NoError(t, err)
	defer wp.Close()

	// [MASK] is rewritten to the server's <mask>.
	res, err := wp.PredictMask(context.Background(), "the [MASK] sat", nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []happy.WordPredictionResult{{Token: "cat", Score: 0.7}}, res)
	assert.Equal(t, "the <mask> sat", f.request("/fill_mask")["text"])
}

func TestOpenTrainsOverHTTP(t *testing.T) {
	f, srv := newFakeServer(t)
	f.reply("/tokenize", map[string]any{"tokens": []int{0, 1}})
	f.reply("/train", map[string]any{})

	gen, err := OpenGeneration(context.Background(), testConfig(srv.URL))
	require.NoError(t, err)

	data := writeDir(t, map[string]string{"train.txt": "one\ntwo\nthree\n"})
	args := happy.DefaultGENTrainArgs()
	args.EvalRatio = 0.3
	require.NoError(t, gen.Train(context.Background(), data+"/train.txt", args))

	job := f.request("/train")
	assert.Equal(t, happy.TaskCausalLM, job["task"])
	assert.NotEmpty(t, job["train"].(map[string]any)["sequences"])
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := OpenGeneration(context.Background(), testConfig("not-a-url"))
	assert.ErrorContains(t, err, "server_url")
}

func TestNewTokenizerSpecs(t *testing.T) {
	dir := writeDir(t, map[string]string{"vocab.json": `{"a": 0}`})

	tok, err := newTokenizer("vocab:"+dir, nil, ServerInfo{})
	require.NoError(t, err)
	assert.IsType(t, &VocabTokenizer{}, tok)

	_, err = newTokenizer("server", nil, ServerInfo{})
	assert.ErrorIs(t, err, happy.ErrInvalidArgs)

	_, err = newTokenizer("sentencepiece:x", nil, ServerInfo{})
	assert.ErrorIs(t, err, happy.ErrInvalidArgs)
}
