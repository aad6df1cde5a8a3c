package happy

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// Trainer task names.
const (
	TaskCausalLM = "causal-lm"
	TaskMaskedLM = "masked-lm"
)

// Dataset is an ordered list of token ID sequences ready for a trainer.
type Dataset struct {
	Sequences [][]int `json:"sequences"`
}

// Len returns the number of sequences.
func (d Dataset) Len() int {
	return len(d.Sequences)
}

// NumTokens returns the total number of tokens.
func (d Dataset) NumTokens() int {
	n := 0
	for _, s := range d.Sequences {
		n += len(s)
	}
	return n
}

// LoadCases reads the raw cases of a data file. CSV files contribute their
// "text" column; any other file contributes one case per non-blank line.
func LoadCases(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // caller-provided data path
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()

	var cases []string
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		cases, err = readCSVCases(f)
	} else {
		cases, err = readLineCases(f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyDataset)
	}
	return cases, nil
}

func readLineCases(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var cases []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			cases = append(cases, line)
		}
	}
	return cases, nil
}

func readCSVCases(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	col := -1
	for i, name := range header {
		if strings.TrimSpace(name) == "text" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%w: csv file has no \"text\" column", ErrInvalidArgs)
	}

	var cases []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if col < len(record) {
			if text := strings.TrimSpace(record[col]); text != "" {
				cases = append(cases, text)
			}
		}
	}
	return cases, nil
}

// ShuffleCases returns a copy of cases shuffled deterministically by seed.
func ShuffleCases(cases []string, seed int64) []string {
	out := append([]string(nil), cases...)
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible shuffle
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// SplitCases holds out the first evalRatio share of cases for evaluation.
// At least one case is held out when there are two or more.
func SplitCases(cases []string, evalRatio float64) (train, eval []string) {
	if len(cases) == 0 {
		return nil, nil
	}
	n := int(float64(len(cases)) * evalRatio)
	if n == 0 && len(cases) > 1 {
		n = 1
	}
	if n >= len(cases) {
		n = len(cases) - 1
	}
	return cases[n:], cases[:n]
}

// GroupTexts concatenates sequences, each followed by eos, and cuts the
// result into blocks of blockSize. A trailing partial block is dropped
// unless it is the only block.
func GroupTexts(seqs [][]int, eos, blockSize int) [][]int {
	var all []int
	for _, s := range seqs {
		all = append(all, s...)
		if eos >= 0 {
			all = append(all, eos)
		}
	}

	var blocks [][]int
	for start := 0; start+blockSize <= len(all); start += blockSize {
		blocks = append(blocks, all[start:start+blockSize])
	}
	if len(blocks) == 0 && len(all) > 0 {
		blocks = append(blocks, all)
	}
	return blocks
}

// TruncateSequences cuts every sequence to at most maxLength tokens.
func TruncateSequences(seqs [][]int, maxLength int) [][]int {
	out := make([][]int, len(seqs))
	for i, s := range seqs {
		if len(s) > maxLength {
			s = s[:maxLength]
		}
		out[i] = s
	}
	return out
}

// preprocessor turns data files into datasets for one task.
type preprocessor struct {
	task         string
	tokenizer    Tokenizer
	logger       *slog.Logger
	showProgress bool
}

func (p *preprocessor) tokenize(ctx context.Context, cases []string, description string) ([][]int, error) {
	bar := newProgress(len(cases), description, p.showProgress)
	defer bar.finish()

	seqs := make([][]int, 0, len(cases))
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids, err := p.tokenizer.Encode(c)
		if err != nil {
			return nil, fmt.Errorf("failed to encode case: %w", err)
		}
		if len(ids) > 0 {
			seqs = append(seqs, ids)
		}
		bar.add(1)
	}
	return seqs, nil
}

func (p *preprocessor) build(seqs [][]int, maxLength int) Dataset {
	if p.task == TaskCausalLM {
		return Dataset{Sequences: GroupTexts(seqs, p.tokenizer.EOSTokenID(), maxLength)}
	}
	return Dataset{Sequences: TruncateSequences(seqs, maxLength)}
}

// trainDatasets loads, shuffles, splits and tokenizes a training file, or
// reads a cached copy when args ask for it.
func (p *preprocessor) trainDatasets(ctx context.Context, path string, args TrainArgs) (Dataset, Dataset, error) {
	fp := func() (string, error) {
		return cacheFingerprint(path, p.task, args.MaxLength, args.Seed, args.EvalRatio, args.EvalFilepath)
	}

	if args.LoadPreprocessedData {
		return p.loadCached(args.LoadPreprocessedDataPath, path, fp, false)
	}

	cases, err := LoadCases(path)
	if err != nil {
		return Dataset{}, Dataset{}, err
	}
	cases = ShuffleCases(cases, args.Seed)

	var trainCases, evalCases []string
	if args.EvalFilepath != "" {
		trainCases = cases
		if evalCases, err = LoadCases(args.EvalFilepath); err != nil {
			return Dataset{}, Dataset{}, err
		}
	} else {
		trainCases, evalCases = SplitCases(cases, args.EvalRatio)
	}

	trainSeqs, err := p.tokenize(ctx, trainCases, "Tokenizing train")
	if err != nil {
		return Dataset{}, Dataset{}, err
	}
	evalSeqs, err := p.tokenize(ctx, evalCases, "Tokenizing eval")
	if err != nil {
		return Dataset{}, Dataset{}, err
	}

	train := p.build(trainSeqs, args.MaxLength)
	eval := p.build(evalSeqs, args.MaxLength)
	if train.Len() == 0 {
		return Dataset{}, Dataset{}, fmt.Errorf("%s: %w", path, ErrEmptyDataset)
	}

	if args.SavePreprocessedData {
		sum, err := fp()
		if err != nil {
			return Dataset{}, Dataset{}, err
		}
		if err := SaveDatasetCache(args.SavePreprocessedDataPath, p.task, sum, train, eval); err != nil {
			return Dataset{}, Dataset{}, err
		}
		p.logger.Info("saved preprocessed data", "path", args.SavePreprocessedDataPath,
			"train", train.Len(), "eval", eval.Len())
	}

	return train, eval, nil
}

// evalDataset tokenizes a whole file for evaluation, or reads a cached copy.
// Cached evaluation data lives in the cache's eval split.
func (p *preprocessor) evalDataset(ctx context.Context, path string, args EvalArgs) (Dataset, error) {
	fp := func() (string, error) {
		return cacheFingerprint(path, p.task, args.MaxLength)
	}

	if args.LoadPreprocessedData {
		_, eval, err := p.loadCached(args.LoadPreprocessedDataPath, path, fp, true)
		return eval, err
	}

	cases, err := LoadCases(path)
	if err != nil {
		return Dataset{}, err
	}
	seqs, err := p.tokenize(ctx, cases, "Tokenizing eval")
	if err != nil {
		return Dataset{}, err
	}
	eval := p.build(seqs, args.MaxLength)

	if args.SavePreprocessedData {
		sum, err := fp()
		if err != nil {
			return Dataset{}, err
		}
		if err := SaveDatasetCache(args.SavePreprocessedDataPath, p.task, sum, Dataset{}, eval); err != nil {
			return Dataset{}, err
		}
		p.logger.Info("saved preprocessed data", "path", args.SavePreprocessedDataPath, "eval", eval.Len())
	}
	return eval, nil
}

// loadCached reads a cache written for task. With sourceOnly set, only the
// source part of the fingerprint is compared, so split settings are ignored.
func (p *preprocessor) loadCached(dir, source string, fp func() (string, error), sourceOnly bool) (Dataset, Dataset, error) {
	manifest, train, eval, err := LoadDatasetCache(dir)
	if err != nil {
		return Dataset{}, Dataset{}, err
	}
	if manifest.Task != p.task {
		return Dataset{}, Dataset{}, fmt.Errorf("%w: cache %s holds %s data, want %s",
			ErrIncompatibleArgs, dir, manifest.Task, p.task)
	}

	if source != "" {
		if _, statErr := os.Stat(source); statErr == nil {
			stored := manifest.Fingerprint
			if sourceOnly {
				stored, _, _ = strings.Cut(stored, ".")
			}
			if current, err := fp(); err == nil && current != stored {
				p.logger.Warn("preprocessed data was built from different input or settings",
					"path", dir, "input", source)
			}
		}
	}

	p.logger.Info("loaded preprocessed data", "path", dir, "train", train.Len(), "eval", eval.Len())
	return train, eval, nil
}
