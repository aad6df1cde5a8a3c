package happy

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// WordPredictionResult is one candidate for a masked word.
type WordPredictionResult struct {
	Token string  `json:"token"`
	Score float64 `json:"score"`
}

// HappyWordPrediction is the user-facing API for masked language models.
// It is not safe for concurrent use.
type HappyWordPrediction struct {
	happyModel

	runner MaskedRunner
}

// NewHappyWordPrediction creates a word prediction wrapper around backend
// parts. trainer may be nil, in which case Train and Eval return ErrUnsupported.
func NewHappyWordPrediction(config *Config, runner MaskedRunner, tokenizer Tokenizer, trainer Trainer) *HappyWordPrediction {
	return &HappyWordPrediction{
		happyModel: newHappyModel(config, TaskMaskedLM, tokenizer, trainer, runner),
		runner:     runner,
	}
}

// Close cleans up resources
func (h *HappyWordPrediction) Close() error {
	return h.runner.Close()
}

func (h *HappyWordPrediction) maskToken() string {
	if mt, ok := h.tokenizer.(MaskTokenizer); ok && mt.MaskToken() != "" {
		return mt.MaskToken()
	}
	return h.config.MaskToken
}

// PredictMask ranks candidates for the first mask in text. With targets,
// only those words are scored. At most topK results are returned.
func (h *HappyWordPrediction) PredictMask(ctx context.Context, text string, targets []string, topK int) ([]WordPredictionResult, error) {
	if topK < 1 {
		topK = 1
	}

	mask := h.maskToken()
	if h.config.MaskToken != "" && h.config.MaskToken != mask {
		text = strings.ReplaceAll(text, h.config.MaskToken, mask)
	}
	if !strings.Contains(text, mask) {
		return nil, fmt.Errorf("%w: expected %q in %q", ErrNoMask, mask, text)
	}

	if filler, ok := h.runner.(MaskFiller); ok {
		results, err := filler.FillMask(ctx, text, targets, topK)
		if err != nil {
			return nil, fmt.Errorf("failed to fill mask: %w", err)
		}
		return truncateResults(results, topK), nil
	}

	mt, ok := h.tokenizer.(MaskTokenizer)
	if !ok {
		return nil, fmt.Errorf("local mask filling needs a tokenizer with a mask token: %w", ErrUnsupported)
	}

	ids, err := h.tokenizer.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("failed to encode text: %w", err)
	}
	pos := -1
	for i, id := range ids {
		if id == mt.MaskTokenID() {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, fmt.Errorf("%w: tokenizer did not produce a mask token", ErrNoMask)
	}

	logits, err := h.runner.MaskLogits(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("model inference failed: %w", err)
	}
	if pos >= len(logits) {
		return nil, fmt.Errorf("model returned %d positions for %d tokens", len(logits), len(ids))
	}

	scores := make([]float64, len(logits[pos]))
	for i, l := range logits[pos] {
		scores[i] = float64(l)
	}
	probs := softmax(scores)

	var results []WordPredictionResult
	if len(targets) > 0 {
		results, err = h.scoreTargets(probs, targets)
	} else {
		results, err = h.scoreVocab(probs, topK)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return truncateResults(results, topK), nil
}

// scoreTargets scores each target by the probability of its first token.
func (h *HappyWordPrediction) scoreTargets(probs []float64, targets []string) ([]WordPredictionResult, error) {
	results := make([]WordPredictionResult, 0, len(targets))
	for _, target := range targets {
		ids, err := h.tokenizer.Encode(target)
		if err != nil {
			return nil, fmt.Errorf("failed to encode target %q: %w", target, err)
		}
		if len(ids) == 0 || ids[0] < 0 || ids[0] >= len(probs) {
			h.logger.Warn("predict mask: target has no usable token", "target", target)
			continue
		}
		results = append(results, WordPredictionResult{Token: target, Score: probs[ids[0]]})
	}
	return results, nil
}

// scoreVocab returns the topK most likely tokens that decode to a word.
func (h *HappyWordPrediction) scoreVocab(probs []float64, topK int) ([]WordPredictionResult, error) {
	results := make([]WordPredictionResult, 0, topK)
	for _, ip := range sortedProbs(probs) {
		if len(results) == topK {
			break
		}
		word, err := h.tokenizer.Decode([]int{ip.idx})
		if err != nil {
			continue
		}
		word = cleanToken(word)
		if word == "" || word == h.maskToken() {
			continue
		}
		results = append(results, WordPredictionResult{Token: word, Score: ip.prob})
	}
	return results, nil
}

// cleanToken strips subword markers and surrounding space from a decoded token.
func cleanToken(tok string) string {
	tok = strings.TrimPrefix(tok, "##")
	tok = strings.TrimPrefix(tok, "Ġ")
	tok = strings.TrimPrefix(tok, "▁")
	return strings.TrimSpace(tok)
}

func truncateResults(results []WordPredictionResult, topK int) []WordPredictionResult {
	if len(results) > topK {
		return results[:topK]
	}
	return results
}

// Train fine-tunes the model on the cases in inputFilepath. args must be a
// WPTrainArgs, a *WPTrainArgs or nil for defaults.
func (h *HappyWordPrediction) Train(ctx context.Context, inputFilepath string, args any) error {
	a, err := resolveArgs(args, DefaultWPTrainArgs)
	if err != nil {
		return err
	}
	if err := a.validate(); err != nil {
		return err
	}
	if err := h.requireTrainer(); err != nil {
		return err
	}

	train, eval, err := h.prep.trainDatasets(ctx, inputFilepath, a.TrainArgs)
	if err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "training", "task", TaskMaskedLM, "train", train.Len(), "eval", eval.Len())
	if err := h.trainer.Train(ctx, TrainJob{Task: TaskMaskedLM, Train: train, Eval: eval, Args: a}); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	return nil
}

// Eval computes the loss of the model on the cases in inputFilepath. args
// must be a WPEvalArgs, a *WPEvalArgs or nil for defaults.
func (h *HappyWordPrediction) Eval(ctx context.Context, inputFilepath string, args any) (EvalResult, error) {
	a, err := resolveArgs(args, DefaultWPEvalArgs)
	if err != nil {
		return EvalResult{}, err
	}
	if err := a.validate(); err != nil {
		return EvalResult{}, err
	}
	if err := h.requireTrainer(); err != nil {
		return EvalResult{}, err
	}

	eval, err := h.prep.evalDataset(ctx, inputFilepath, a.EvalArgs)
	if err != nil {
		return EvalResult{}, err
	}
	if eval.Len() == 0 {
		return EvalResult{}, fmt.Errorf("%s: %w", inputFilepath, ErrEmptyDataset)
	}

	result, err := h.trainer.Evaluate(ctx, EvalJob{Task: TaskMaskedLM, Eval: eval, Args: a})
	if err != nil {
		return EvalResult{}, fmt.Errorf("evaluation failed: %w", err)
	}
	return result, nil
}

// Test predicts the mask of every case in inputFilepath.
func (h *HappyWordPrediction) Test(ctx context.Context, inputFilepath string, topK int) ([][]WordPredictionResult, error) {
	cases, err := LoadCases(inputFilepath)
	if err != nil {
		return nil, err
	}

	bar := newProgress(len(cases), "Predicting", h.config.ShowProgress)
	defer bar.finish()

	results := make([][]WordPredictionResult, 0, len(cases))
	for _, c := range cases {
		res, err := h.PredictMask(ctx, c, nil, topK)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
		bar.add(1)
	}
	return results, nil
}
