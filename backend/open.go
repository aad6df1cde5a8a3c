package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"happy-transformer-go/happy"
)

// Tokenizer spec kinds accepted in Config.Tokenizer.
const (
	TokenizerServer   = "server"
	TokenizerVocab    = "vocab"
	TokenizerHF       = "hf"
	TokenizerTikToken = "tiktoken"
)

type parts struct {
	runner    any
	tokenizer happy.Tokenizer
	trainer   happy.Trainer
}

// OpenGeneration builds a HappyGeneration wired to the backend cfg names.
func OpenGeneration(ctx context.Context, cfg *happy.Config) (*happy.HappyGeneration, error) {
	p, err := open(ctx, cfg, happy.TaskCausalLM)
	if err != nil {
		return nil, err
	}
	runner, ok := p.runner.(happy.ModelRunner)
	if !ok {
		return nil, fmt.Errorf("backend %s cannot run causal models: %w", cfg.Backend, happy.ErrUnsupported)
	}
	return happy.NewHappyGeneration(cfg, runner, p.tokenizer, p.trainer), nil
}

// OpenWordPrediction builds a HappyWordPrediction wired to the backend cfg names.
func OpenWordPrediction(ctx context.Context, cfg *happy.Config) (*happy.HappyWordPrediction, error) {
	p, err := open(ctx, cfg, happy.TaskMaskedLM)
	if err != nil {
		return nil, err
	}
	runner, ok := p.runner.(happy.MaskedRunner)
	if !ok {
		return nil, fmt.Errorf("backend %s cannot run masked models: %w", cfg.Backend, happy.ErrUnsupported)
	}
	return happy.NewHappyWordPrediction(cfg, runner, p.tokenizer, p.trainer), nil
}

func open(ctx context.Context, cfg *happy.Config, task string) (parts, error) {
	if err := cfg.Validate(); err != nil {
		return parts{}, err
	}
	logger := cfg.Logger
	happy.SelectDevice(cfg.Device, logger)

	switch cfg.Backend {
	case happy.BackendHTTP:
		opts := []ClientOption{WithClientHubToken(cfg.HubToken)}
		if logger != nil {
			opts = append(opts, WithClientLogger(logger))
		}
		client := NewClient(cfg.ServerURL, opts...)
		runner, err := NewHTTPModelRunner(ctx, client)
		if err != nil {
			return parts{}, err
		}

		spec := cfg.Tokenizer
		if spec == "" {
			spec = TokenizerServer
		}
		tok, err := newTokenizer(spec, client, runner.Info())
		if err != nil {
			return parts{}, err
		}
		return parts{runner: runner, tokenizer: tok, trainer: NewHTTPTrainer(client)}, nil

	case happy.BackendONNX:
		spec := cfg.Tokenizer
		if spec == "" {
			spec = TokenizerVocab + ":" + filepath.Dir(cfg.Model)
		}
		tok, err := newTokenizer(spec, nil, ServerInfo{})
		if err != nil {
			return parts{}, err
		}

		vocabSize := cfg.VocabSize
		if vs, ok := tok.(interface{ VocabSize() int }); ok && vocabSize == 0 {
			vocabSize = vs.VocabSize()
		}

		var runner any
		if task == happy.TaskMaskedLM {
			runner, err = NewONNXMaskedRunner(cfg, vocabSize)
		} else {
			runner, err = NewONNXModelRunner(cfg, vocabSize)
		}
		if err != nil {
			return parts{}, err
		}
		return parts{runner: runner, tokenizer: tok}, nil

	default:
		return parts{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// newTokenizer builds the tokenizer named by spec, which is "server",
// "vocab:<dir>", "hf:<tokenizer.json>" or "tiktoken:<encoding>".
func newTokenizer(spec string, client *Client, info ServerInfo) (happy.Tokenizer, error) {
	kind, arg, _ := strings.Cut(spec, ":")
	switch kind {
	case TokenizerServer:
		if client == nil {
			return nil, fmt.Errorf("%w: tokenizer %q needs the http backend", happy.ErrInvalidArgs, spec)
		}
		return NewHTTPTokenizer(client, info), nil
	case TokenizerVocab:
		return NewVocabTokenizer(arg)
	case TokenizerHF:
		return NewHFTokenizer(arg)
	case TokenizerTikToken:
		if arg == "" {
			arg = "r50k_base"
		}
		return NewTikToken(arg)
	default:
		return nil, fmt.Errorf("%w: unknown tokenizer %q", happy.ErrInvalidArgs, spec)
	}
}
