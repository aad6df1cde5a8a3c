package happy

import (
	"context"
	"fmt"
	"strings"
)

// Default generation lengths, counted in generated tokens.
const (
	DefaultMinLength = 20
	DefaultMaxLength = 60
)

// GenerationResult wraps the text produced by GenerateText.
type GenerationResult struct {
	Text string `json:"text"`
}

// HappyGeneration is the user-facing API for causal language models.
// It is not safe for concurrent use.
type HappyGeneration struct {
	happyModel

	runner   ModelRunner
	resolver *SettingsResolver
	decoder  *Decoder
}

// NewHappyGeneration creates a generation wrapper around backend parts.
// trainer may be nil, in which case Train and Eval return ErrUnsupported.
func NewHappyGeneration(config *Config, runner ModelRunner, tokenizer Tokenizer, trainer Trainer) *HappyGeneration {
	base := newHappyModel(config, TaskCausalLM, tokenizer, trainer, runner)
	return &HappyGeneration{
		happyModel: base,
		runner:     runner,
		resolver:   NewSettingsResolver(base.logger, nil),
		decoder:    NewDecoder(runner, tokenizer, base.logger, base.config.Seed),
	}
}

// Close cleans up resources
func (h *HappyGeneration) Close() error {
	return h.runner.Close()
}

// Resolver returns the settings resolver used by GenerateText.
func (h *HappyGeneration) Resolver() *SettingsResolver {
	return h.resolver
}

// GenerateText continues text using the preset named method with settings
// applied on top. minLength and maxLength bound the number of generated
// tokens. Input that is not a non-empty string is logged and yields an
// empty result without an error.
func (h *HappyGeneration) GenerateText(ctx context.Context, text any, method string, settings Settings, minLength, maxLength int) (GenerationResult, error) {
	prompt, ok := text.(string)
	if !ok || strings.TrimSpace(prompt) == "" {
		h.logger.ErrorContext(ctx, "generate text: input must be a non-empty string", "type", fmt.Sprintf("%T", text))
		return GenerationResult{}, nil
	}

	if method == "" {
		method = h.config.DefaultPreset
	}
	resolved, _ := h.resolver.Resolve(method, settings)

	if maxLength < 1 {
		maxLength = 1
	}
	if minLength < 0 {
		minLength = 0
	}
	if minLength > maxLength {
		h.logger.WarnContext(ctx, "generate text: min_length is greater than max_length, clamping",
			"min_length", minLength, "max_length", maxLength)
		minLength = maxLength
	}

	if gen, ok := h.runner.(TextGenerator); ok {
		out, err := gen.GenerateText(ctx, prompt, resolved, minLength, maxLength)
		if err != nil {
			return GenerationResult{}, fmt.Errorf("failed to generate text: %w", err)
		}
		return GenerationResult{Text: out}, nil
	}

	ids, err := h.tokenizer.Encode(prompt)
	if err != nil {
		return GenerationResult{}, fmt.Errorf("failed to encode prompt: %w", err)
	}
	if len(ids) == 0 {
		h.logger.ErrorContext(ctx, "generate text: input produced no tokens")
		return GenerationResult{}, nil
	}

	out, err := h.decoder.Decode(ctx, ids, resolved.Typed(), minLength, maxLength)
	if err != nil {
		return GenerationResult{}, fmt.Errorf("failed to generate text: %w", err)
	}

	decoded, err := h.tokenizer.Decode(out)
	if err != nil {
		return GenerationResult{}, fmt.Errorf("failed to decode tokens: %w", err)
	}
	return GenerationResult{Text: decoded}, nil
}

// Train fine-tunes the model on the cases in inputFilepath. args must be a
// GENTrainArgs, a *GENTrainArgs or nil for defaults.
func (h *HappyGeneration) Train(ctx context.Context, inputFilepath string, args any) error {
	a, err := resolveArgs(args, DefaultGENTrainArgs)
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

	h.logger.InfoContext(ctx, "training", "task", TaskCausalLM, "train", train.Len(), "eval", eval.Len())
	if err := h.trainer.Train(ctx, TrainJob{Task: TaskCausalLM, Train: train, Eval: eval, Args: a}); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	return nil
}

// Eval computes the loss of the model on the cases in inputFilepath. args
// must be a GENEvalArgs, a *GENEvalArgs or nil for defaults.
func (h *HappyGeneration) Eval(ctx context.Context, inputFilepath string, args any) (EvalResult, error) {
	a, err := resolveArgs(args, DefaultGENEvalArgs)
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

	result, err := h.trainer.Evaluate(ctx, EvalJob{Task: TaskCausalLM, Eval: eval, Args: a})
	if err != nil {
		return EvalResult{}, fmt.Errorf("evaluation failed: %w", err)
	}
	return result, nil
}

// Test generates a continuation for every case in inputFilepath.
func (h *HappyGeneration) Test(ctx context.Context, inputFilepath, method string, settings Settings, minLength, maxLength int) ([]GenerationResult, error) {
	cases, err := LoadCases(inputFilepath)
	if err != nil {
		return nil, err
	}

	bar := newProgress(len(cases), "Generating", h.config.ShowProgress)
	defer bar.finish()

	results := make([]GenerationResult, 0, len(cases))
	for _, c := range cases {
		res, err := h.GenerateText(ctx, c, method, settings, minLength, maxLength)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
		bar.add(1)
	}
	return results, nil
}
