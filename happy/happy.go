package happy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
)

// happyModel holds what every task wrapper shares: the backend parts, the
// preprocessing pipeline and delegation of save and hub upload.
type happyModel struct {
	config    *Config
	tokenizer Tokenizer
	trainer   Trainer
	logger    *slog.Logger
	prep      *preprocessor
	// parts are probed, in order, for optional backend interfaces.
	parts []any
}

func newHappyModel(config *Config, task string, tokenizer Tokenizer, trainer Trainer, runner any) happyModel {
	if config == nil {
		config = NewConfig("")
	}
	logger := config.logger()
	return happyModel{
		config:    config,
		tokenizer: tokenizer,
		trainer:   trainer,
		logger:    logger,
		prep: &preprocessor{
			task:         task,
			tokenizer:    tokenizer,
			logger:       logger,
			showProgress: config.ShowProgress,
		},
		parts: []any{runner, trainer, tokenizer},
	}
}

// Config returns the configuration the model was built with.
func (m *happyModel) Config() *Config {
	return m.config
}

// Save persists the model and tokenizer to path through the backend.
func (m *happyModel) Save(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("%w: save path must not be empty", ErrInvalidArgs)
	}
	for _, p := range m.parts {
		if saver, ok := p.(Saver); ok {
			if err := saver.Save(ctx, path); err != nil {
				return fmt.Errorf("failed to save model: %w", err)
			}
			m.logger.Info("model saved", "path", path)
			return nil
		}
	}
	return fmt.Errorf("save: %w", ErrUnsupported)
}

// PushToHub uploads the model to a hub repository through the backend.
func (m *happyModel) PushToHub(ctx context.Context, repoName string, private bool) error {
	if repoName == "" || strings.IndexFunc(repoName, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: invalid repo name %q", ErrInvalidArgs, repoName)
	}
	for _, p := range m.parts {
		if pusher, ok := p.(HubPusher); ok {
			if err := pusher.PushToHub(ctx, repoName, private); err != nil {
				return fmt.Errorf("failed to push to hub: %w", err)
			}
			m.logger.Info("model pushed to hub", "repo", repoName, "private", private)
			return nil
		}
	}
	return fmt.Errorf("push to hub: %w", ErrUnsupported)
}

func (m *happyModel) requireTrainer() error {
	if m.trainer == nil {
		return fmt.Errorf("training: %w", ErrUnsupported)
	}
	return nil
}
