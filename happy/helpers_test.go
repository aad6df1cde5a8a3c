package happy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTrainer records the jobs it receives.
type fakeTrainer struct {
	trainJobs []TrainJob
	evalJobs  []EvalJob
	loss      float64
	err       error
}

func (f *fakeTrainer) Train(_ context.Context, job TrainJob) error {
	f.trainJobs = append(f.trainJobs, job)
	return f.err
}

func (f *fakeTrainer) Evaluate(_ context.Context, job EvalJob) (EvalResult, error) {
	f.evalJobs = append(f.evalJobs, job)
	return EvalResult{Loss: f.loss}, f.err
}

// fakeBackend is a runner that also saves, pushes and generates remotely.
type fakeBackend struct {
	*MockModelRunner

	savedTo   string
	pushedTo  string
	private   bool
	settings  Settings
	minLength int
	maxLength int
}

func (f *fakeBackend) Save(_ context.Context, path string) error {
	f.savedTo = path
	return nil
}

func (f *fakeBackend) PushToHub(_ context.Context, repoName string, private bool) error {
	f.pushedTo = repoName
	f.private = private
	return nil
}

func (f *fakeBackend) GenerateText(_ context.Context, prompt string, settings Settings, minLength, maxLength int) (string, error) {
	f.settings = settings
	f.minLength = minLength
	f.maxLength = maxLength
	return "remote:" + prompt, nil
}

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestGeneration(t *testing.T, eosAfter int, trainer Trainer) (*HappyGeneration, *bytes.Buffer) {
	t.Helper()
	logger, buf := newTestLogger()
	cfg := NewConfig("", WithLogger(logger), WithSeed(7))
	runner := NewMockModelRunner(28, 0, eosAfter)
	return NewHappyGeneration(cfg, runner, NewMockTokenizer(), trainer), buf
}
