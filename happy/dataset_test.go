package happy

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadCasesText(t *testing.T) {
	path := writeFile(t, t.TempDir(), "train.txt", "first line\n\n  second line  \n")

	cases, err := LoadCases(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"first line", "second line"}, cases)
}

func TestLoadCasesCSV(t *testing.T) {
	path := writeFile(t, t.TempDir(), "train.csv", "id,text\n1,hello world\n2,\"quoted, text\"\n3,\n")

	cases, err := LoadCases(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"hello world", "quoted, text"}, cases)
}

func TestLoadCasesErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadCases(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)

	_, err = LoadCases(writeFile(t, dir, "blank.txt", "\n  \n"))
	assert.ErrorIs(t, err, ErrEmptyDataset)

	_, err = LoadCases(writeFile(t, dir, "bad.csv", "id,body\n1,x\n"))
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestShuffleCases(t *testing.T) {
	cases := []string{"a", "b", "c", "d", "e", "f"}

	first := ShuffleCases(cases, 42)
	second := ShuffleCases(cases, 42)

	assert.Equal(t, first, second)
	assert.ElementsMatch(t, cases, first)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, cases, "input must not be modified")
}

func TestSplitCases(t *testing.T) {
	cases := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

	train, eval := SplitCases(cases, 0.2)
	assert.Equal(t, []string{"a", "b"}, eval)
	assert.Len(t, train, 8)

	train, eval = SplitCases(cases[:3], 0.1)
	assert.Len(t, eval, 1)
	assert.Len(t, train, 2)

	train, eval = SplitCases(cases[:1], 0.5)
	assert.Empty(t, eval)
	assert.Equal(t, []string{"a"}, train)

	train, eval = SplitCases(nil, 0.5)
	assert.Empty(t, train)
	assert.Empty(t, eval)
}

func TestGroupTexts(t *testing.T) {
	blocks := GroupTexts([][]int{{1, 2}, {3, 4, 5}}, 0, 3)
	assert.Equal(t, [][]int{{1, 2, 0}, {3, 4, 5}}, blocks)

	blocks = GroupTexts([][]int{{1, 2}, {3}}, 0, 4)
	assert.Equal(t, [][]int{{1, 2, 0, 3}}, blocks, "trailing partial block is dropped")

	blocks = GroupTexts([][]int{{1}}, 0, 8)
	assert.Equal(t, [][]int{{1, 0}}, blocks, "a lone partial block is kept")

	assert.Empty(t, GroupTexts(nil, 0, 4))
}

func TestTruncateSequences(t *testing.T) {
	got := TruncateSequences([][]int{{1, 2, 3}, {4}}, 2)
	assert.Equal(t, [][]int{{1, 2}, {4}}, got)
}

func TestDatasetCacheRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	train := Dataset{Sequences: [][]int{{1, 2, 3}, {4, 50000}}}

	require.NoError(t, SaveDatasetCache(dir, TaskCausalLM, "abc123", train, Dataset{}))

	manifest, gotTrain, gotEval, err := LoadDatasetCache(dir)
	require.NoError(t, err)
	assert.Equal(t, TaskCausalLM, manifest.Task)
	assert.Equal(t, "abc123", manifest.Fingerprint)
	assert.Equal(t, 2, manifest.TrainCount)
	assert.Equal(t, train, gotTrain)
	assert.Equal(t, 0, gotEval.Len())
}

func TestDatasetCacheRejectsTampering(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveDatasetCache(dir, TaskMaskedLM, "fp", Dataset{Sequences: [][]int{{1}}}, Dataset{}))

	manifestPath := filepath.Join(dir, cacheManifestFile)
	data, err := os.ReadFile(manifestPath)
	require.NoError(t, err)

	var manifest CacheManifest
	require.NoError(t, yaml.Unmarshal(data, &manifest))
	manifest.TrainCount = 5
	data, err = yaml.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestPath, data, 0o644))

	_, _, _, err = LoadDatasetCache(dir)
	assert.Error(t, err)

	_, _, _, err = LoadDatasetCache(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestDatasetCacheRejectsCorruptLengths(t *testing.T) {
	tests := []struct {
		name   string
		header []uint32
	}{
		{"huge sequence", []uint32{1, 0xFFFFFFF0}},
		{"huge count", []uint32{0xFFFFFFF0}},
		{"truncated", []uint32{1, 3, 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, SaveDatasetCache(dir, TaskCausalLM, "fp", Dataset{Sequences: [][]int{{1}}}, Dataset{}))

			var buf bytes.Buffer
			require.NoError(t, binary.Write(&buf, binary.LittleEndian, tt.header))
			require.NoError(t, os.WriteFile(filepath.Join(dir, cacheTrainFile), buf.Bytes(), 0o644))

			_, _, _, err := LoadDatasetCache(dir)
			assert.Error(t, err)
		})
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "data.txt", "hello\n")

	a, err := fingerprint(path, TaskCausalLM, 128)
	require.NoError(t, err)
	b, err := fingerprint(path, TaskCausalLM, 128)
	require.NoError(t, err)
	c, err := fingerprint(path, TaskCausalLM, 256)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	writeFile(t, dir, "data.txt", "hello again\n")
	d, err := fingerprint(path, TaskCausalLM, 128)
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestPreprocessorWarnsOnStaleCache(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "train.txt", strings.Repeat("abcd\n", 10))
	logger, buf := newTestLogger()
	p := &preprocessor{task: TaskCausalLM, tokenizer: NewMockTokenizer(), logger: logger}

	args := defaultTrainArgs()
	args.MaxLength = 5
	args.SavePreprocessedData = true
	args.SavePreprocessedDataPath = filepath.Join(dir, "cache")
	_, _, err := p.trainDatasets(context.Background(), data, args)
	require.NoError(t, err)

	writeFile(t, dir, "train.txt", strings.Repeat("efgh\n", 10))
	args.SavePreprocessedData = false
	args.LoadPreprocessedData = true
	args.LoadPreprocessedDataPath = args.SavePreprocessedDataPath
	train, _, err := p.trainDatasets(context.Background(), data, args)
	require.NoError(t, err)

	assert.Equal(t, 9, train.Len())
	assert.Equal(t, []int{2, 3, 4, 5, 0}, train.Sequences[0], "cached data is used as-is")
	assert.Contains(t, buf.String(), "different input")
}

func TestEvalReusesTrainCacheSilently(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "train.txt", strings.Repeat("abcd\n", 10))
	logger, buf := newTestLogger()
	p := &preprocessor{task: TaskCausalLM, tokenizer: NewMockTokenizer(), logger: logger}

	trainArgs := defaultTrainArgs()
	trainArgs.MaxLength = 5
	trainArgs.SavePreprocessedData = true
	trainArgs.SavePreprocessedDataPath = filepath.Join(dir, "cache")
	_, wantEval, err := p.trainDatasets(context.Background(), data, trainArgs)
	require.NoError(t, err)

	evalArgs := defaultEvalArgs()
	evalArgs.MaxLength = 5
	evalArgs.LoadPreprocessedData = true
	evalArgs.LoadPreprocessedDataPath = trainArgs.SavePreprocessedDataPath
	eval, err := p.evalDataset(context.Background(), data, evalArgs)
	require.NoError(t, err)

	assert.Equal(t, wantEval, eval)
	assert.NotContains(t, buf.String(), "different input")

	// A different max length still counts as different input.
	evalArgs.MaxLength = 6
	_, err = p.evalDataset(context.Background(), data, evalArgs)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "different input")
}

func TestCacheFingerprintSourcePrefix(t *testing.T) {
	path := writeFile(t, t.TempDir(), "data.txt", "hello\n")

	src, err := cacheFingerprint(path, TaskCausalLM, 128)
	require.NoError(t, err)
	full, err := cacheFingerprint(path, TaskCausalLM, 128, int64(42), 0.1, "")
	require.NoError(t, err)
	other, err := cacheFingerprint(path, TaskCausalLM, 128, int64(7), 0.1, "")
	require.NoError(t, err)

	assert.NotContains(t, src, ".")
	assert.True(t, strings.HasPrefix(full, src+"."))
	assert.True(t, strings.HasPrefix(other, src+"."))
	assert.NotEqual(t, full, other)
}

func TestPreprocessorRejectsOtherTaskCache(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveDatasetCache(dir, TaskMaskedLM, "fp", Dataset{Sequences: [][]int{{1}}}, Dataset{}))
	p := &preprocessor{task: TaskCausalLM, tokenizer: NewMockTokenizer(), logger: newDiscardLogger()}

	args := defaultTrainArgs()
	args.LoadPreprocessedData = true
	args.LoadPreprocessedDataPath = dir
	_, _, err := p.trainDatasets(context.Background(), "", args)

	assert.ErrorIs(t, err, ErrIncompatibleArgs)
}
