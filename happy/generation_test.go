package happy

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateText(t *testing.T) {
	h, _ := newTestGeneration(t, 0, nil)

	res, err := h.GenerateText(context.Background(), "abc", PresetGreedy, nil, 0, 5)

	require.NoError(t, err)
	assert.Equal(t, "defgh", res.Text)
}

func TestGenerateTextUsesDefaultPreset(t *testing.T) {
	logger, _ := newTestLogger()
	cfg := NewConfig("", WithLogger(logger), WithDefaultPreset(PresetBeamSearch))
	h := NewHappyGeneration(cfg, NewMockModelRunner(28, 0, 0), NewMockTokenizer(), nil)

	res, err := h.GenerateText(context.Background(), "abc", "", nil, 0, 3)

	require.NoError(t, err)
	assert.Equal(t, "def", res.Text)
}

func TestGenerateTextRespectsMinLength(t *testing.T) {
	h, _ := newTestGeneration(t, 2, nil)

	res, err := h.GenerateText(context.Background(), "abc", PresetGreedy, nil, 4, 10)

	require.NoError(t, err)
	assert.Equal(t, "defg", res.Text)
}

func TestGenerateTextClampsMinLength(t *testing.T) {
	h, buf := newTestGeneration(t, 0, nil)

	res, err := h.GenerateText(context.Background(), "abc", PresetGreedy, nil, 8, 2)

	require.NoError(t, err)
	assert.Equal(t, "de", res.Text)
	assert.Contains(t, buf.String(), "clamping")
}

func TestGenerateTextRejectsNonText(t *testing.T) {
	for _, input := range []any{42, nil, "", "   ", []string{"abc"}} {
		h, buf := newTestGeneration(t, 0, nil)

		res, err := h.GenerateText(context.Background(), input, PresetGreedy, nil, 0, 5)

		assert.NoError(t, err, "input %v", input)
		assert.Empty(t, res.Text, "input %v", input)
		assert.Contains(t, buf.String(), "non-empty string")
	}
}

func TestGenerateTextNoTokens(t *testing.T) {
	h, buf := newTestGeneration(t, 0, nil)

	res, err := h.GenerateText(context.Background(), "123", PresetGreedy, nil, 0, 5)

	require.NoError(t, err)
	assert.Empty(t, res.Text)
	assert.Contains(t, buf.String(), "no tokens")
}

func TestGenerateTextWarnsOnSettings(t *testing.T) {
	h, buf := newTestGeneration(t, 0, nil)

	res, err := h.GenerateText(context.Background(), "abc", PresetGreedy, Settings{"beams": 4}, 0, 2)

	require.NoError(t, err)
	assert.Equal(t, "de", res.Text)
	assert.Contains(t, buf.String(), "unknown key")
	assert.Contains(t, buf.String(), "missing key")
}

func TestGenerateTextDelegatesToBackend(t *testing.T) {
	backend := &fakeBackend{MockModelRunner: NewMockModelRunner(28, 0, 0)}
	h := NewHappyGeneration(NewConfig("", WithLogger(newDiscardLogger())), backend, NewMockTokenizer(), nil)

	res, err := h.GenerateText(context.Background(), "hello", PresetTopPSampling, Settings{KeyTopP: 0.5}, 1, 20)

	require.NoError(t, err)
	assert.Equal(t, "remote:hello", res.Text)
	assert.Equal(t, DefaultPresets()[PresetTopPSampling].Keys(), backend.settings.Keys())
	assert.Equal(t, 0.5, backend.settings[KeyTopP])
	assert.Equal(t, 1, backend.minLength)
	assert.Equal(t, 20, backend.maxLength)
}

func TestGenerationTrain(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "train.txt", strings.Repeat("abcd\n", 10))
	trainer := &fakeTrainer{}
	h, _ := newTestGeneration(t, 0, trainer)

	args := DefaultGENTrainArgs()
	args.MaxLength = 5
	args.EvalRatio = 0.2
	require.NoError(t, h.Train(context.Background(), data, args))

	require.Len(t, trainer.trainJobs, 1)
	job := trainer.trainJobs[0]
	assert.Equal(t, TaskCausalLM, job.Task)
	assert.Equal(t, 8, job.Train.Len())
	assert.Equal(t, 2, job.Eval.Len())
	for _, block := range job.Train.Sequences {
		assert.Len(t, block, 5)
	}
	assert.Equal(t, args, job.Args)
}

func TestGenerationTrainArgsErrors(t *testing.T) {
	trainer := &fakeTrainer{}
	h, _ := newTestGeneration(t, 0, trainer)
	ctx := context.Background()

	err := h.Train(ctx, "unused.txt", map[string]any{"num_train_epochs": 1})
	assert.ErrorIs(t, err, ErrDictArgs)

	err = h.Train(ctx, "unused.txt", DefaultWPTrainArgs())
	assert.ErrorIs(t, err, ErrInvalidArgs)

	args := DefaultGENTrainArgs()
	args.SavePreprocessedData, args.SavePreprocessedDataPath = true, "a"
	args.LoadPreprocessedData, args.LoadPreprocessedDataPath = true, "b"
	err = h.Train(ctx, "unused.txt", args)
	assert.ErrorIs(t, err, ErrIncompatibleArgs)

	assert.Empty(t, trainer.trainJobs)
}

func TestGenerationTrainWithoutTrainer(t *testing.T) {
	h, _ := newTestGeneration(t, 0, nil)

	err := h.Train(context.Background(), "unused.txt", nil)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = h.Eval(context.Background(), "unused.txt", nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestGenerationTrainFromCache(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "train.txt", strings.Repeat("abcd\n", 10))
	cache := filepath.Join(dir, "cache")
	trainer := &fakeTrainer{}
	h, _ := newTestGeneration(t, 0, trainer)
	ctx := context.Background()

	args := DefaultGENTrainArgs()
	args.MaxLength = 5
	args.EvalRatio = 0.2
	args.SavePreprocessedData, args.SavePreprocessedDataPath = true, cache
	require.NoError(t, h.Train(ctx, data, args))

	args.SavePreprocessedData = false
	args.LoadPreprocessedData, args.LoadPreprocessedDataPath = true, cache
	require.NoError(t, h.Train(ctx, data, &args))

	require.Len(t, trainer.trainJobs, 2)
	assert.Equal(t, trainer.trainJobs[0].Train, trainer.trainJobs[1].Train)
	assert.Equal(t, trainer.trainJobs[0].Eval, trainer.trainJobs[1].Eval)
}

func TestGenerationEval(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "eval.csv", "text\nabcd\nefgh\n")
	trainer := &fakeTrainer{loss: 1.25}
	h, _ := newTestGeneration(t, 0, trainer)

	args := DefaultGENEvalArgs()
	args.MaxLength = 5
	res, err := h.Eval(context.Background(), data, args)

	require.NoError(t, err)
	assert.Equal(t, 1.25, res.Loss)
	require.Len(t, trainer.evalJobs, 1)
	assert.Equal(t, [][]int{{2, 3, 4, 5, 0}, {6, 7, 8, 9, 0}}, trainer.evalJobs[0].Eval.Sequences)
}

func TestGenerationEvalTrainerError(t *testing.T) {
	data := writeFile(t, t.TempDir(), "eval.txt", "abcd\n")
	boom := errors.New("boom")
	h, _ := newTestGeneration(t, 0, &fakeTrainer{err: boom})

	_, err := h.Eval(context.Background(), data, nil)
	assert.ErrorIs(t, err, boom)
}

func TestGenerationTest(t *testing.T) {
	data := writeFile(t, t.TempDir(), "test.txt", "abc\nmno\n")
	h, _ := newTestGeneration(t, 0, nil)

	results, err := h.Test(context.Background(), data, PresetGreedy, nil, 0, 2)

	require.NoError(t, err)
	assert.Equal(t, []GenerationResult{{Text: "de"}, {Text: "pq"}}, results)
}

func TestSaveAndPushToHub(t *testing.T) {
	backend := &fakeBackend{MockModelRunner: NewMockModelRunner(28, 0, 0)}
	h := NewHappyGeneration(NewConfig("", WithLogger(newDiscardLogger())), backend, NewMockTokenizer(), nil)
	ctx := context.Background()

	require.NoError(t, h.Save(ctx, "out/model"))
	assert.Equal(t, "out/model", backend.savedTo)

	require.NoError(t, h.PushToHub(ctx, "user/model", true))
	assert.Equal(t, "user/model", backend.pushedTo)
	assert.True(t, backend.private)

	assert.ErrorIs(t, h.Save(ctx, ""), ErrInvalidArgs)
	assert.ErrorIs(t, h.PushToHub(ctx, "", false), ErrInvalidArgs)
	assert.ErrorIs(t, h.PushToHub(ctx, "user/my model", false), ErrInvalidArgs)
}

func TestSaveUnsupported(t *testing.T) {
	h, _ := newTestGeneration(t, 0, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.Save(ctx, "out"), ErrUnsupported)
	assert.ErrorIs(t, h.PushToHub(ctx, "user/model", false), ErrUnsupported)
}
