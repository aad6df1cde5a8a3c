package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"

	"happy-transformer-go/happy"
)

// onnxSidecarFiles are copied next to the model on Save when present.
var onnxSidecarFiles = []string{
	"tokenizer.json",
	"vocab.json",
	"merges.txt",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"config.json",
}

// onnxSession owns one ONNX Runtime session for an exported transformers
// graph with a "logits" output of shape [1, seq_len, vocab].
type onnxSession struct {
	modelPath string
	inputs    []string
	vocabSize int
	session   *ort.DynamicAdvancedSession
	logger    *slog.Logger
}

func newONNXSession(cfg *happy.Config, vocabSize int) (*onnxSession, error) {
	if vocabSize <= 0 {
		return nil, fmt.Errorf("onnx backend needs a vocab size, set vocab_size in the config")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if !ort.IsInitialized() {
		if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	dev := happy.SelectDevice(cfg.Device, logger)

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(dev.Cores); err != nil {
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	if dev.Name == happy.DeviceCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, fmt.Errorf("failed to enable CUDA: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.Model, cfg.ONNXInputs, []string{"logits"}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger.Info("onnx model loaded", "model", cfg.Model, "device", dev.Name, "threads", dev.Cores, "vocab", vocabSize)

	return &onnxSession{
		modelPath: cfg.Model,
		inputs:    cfg.ONNXInputs,
		vocabSize: vocabSize,
		session:   session,
		logger:    logger,
	}, nil
}

// inputData builds the values of one named graph input for ids.
func inputData(name string, ids []int) []int64 {
	data := make([]int64, len(ids))
	switch name {
	case "attention_mask":
		for i := range data {
			data[i] = 1
		}
	case "token_type_ids":
	case "position_ids":
		for i := range data {
			data[i] = int64(i)
		}
	default:
		for i, id := range ids {
			data[i] = int64(id)
		}
	}
	return data
}

// run returns the logits of every position of ids as rows of vocabSize.
func (s *onnxSession) run(ctx context.Context, ids []int) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("sequence has no tokens")
	}

	seqLen := int64(len(ids))
	inputs := make([]ort.Value, 0, len(s.inputs))
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, name := range s.inputs {
		t, err := ort.NewTensor(ort.NewShape(1, seqLen), inputData(name, ids))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		inputs = append(inputs, t)
	}

	outputData := make([]float32, len(ids)*s.vocabSize)
	output, err := ort.NewTensor(ort.NewShape(1, seqLen, int64(s.vocabSize)), outputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := s.session.Run(inputs, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	data := output.GetData()
	rows := make([][]float32, len(ids))
	for i := range rows {
		rows[i] = data[i*s.vocabSize : (i+1)*s.vocabSize]
	}
	return rows, nil
}

// Save copies the model file and any tokenizer files beside it to dir.
func (s *onnxSession) Save(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := copyFile(s.modelPath, filepath.Join(dir, filepath.Base(s.modelPath))); err != nil {
		return err
	}

	src := filepath.Dir(s.modelPath)
	for _, name := range onnxSidecarFiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		from := filepath.Join(src, name)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := copyFile(from, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// Close cleans up resources
func (s *onnxSession) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}

func copyFile(from, to string) error {
	in, err := os.Open(from) //nolint:gosec // model files chosen by the caller
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", from, err)
	}
	defer in.Close()

	out, err := os.Create(to) //nolint:gosec // destination chosen by the caller
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", to, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", from, err)
	}
	return out.Close()
}

// ONNXModelRunner runs a causal language model exported to ONNX.
type ONNXModelRunner struct {
	*onnxSession
}

// NewONNXModelRunner loads cfg.Model into an ONNX Runtime session.
func NewONNXModelRunner(cfg *happy.Config, vocabSize int) (*ONNXModelRunner, error) {
	s, err := newONNXSession(cfg, vocabSize)
	if err != nil {
		return nil, err
	}
	return &ONNXModelRunner{onnxSession: s}, nil
}

// Logits returns the last-position logits of each sequence. Sequences are
// run one at a time since they may differ in length.
func (m *ONNXModelRunner) Logits(ctx context.Context, batch [][]int) ([][]float32, error) {
	out := make([][]float32, len(batch))
	for i, ids := range batch {
		rows, err := m.run(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		out[i] = rows[len(rows)-1]
	}
	return out, nil
}

// ONNXMaskedRunner runs a masked language model exported to ONNX.
type ONNXMaskedRunner struct {
	*onnxSession
}

// NewONNXMaskedRunner loads cfg.Model into an ONNX Runtime session.
func NewONNXMaskedRunner(cfg *happy.Config, vocabSize int) (*ONNXMaskedRunner, error) {
	s, err := newONNXSession(cfg, vocabSize)
	if err != nil {
		return nil, err
	}
	return &ONNXMaskedRunner{onnxSession: s}, nil
}

// MaskLogits returns logits for every position of tokenIDs.
func (m *ONNXMaskedRunner) MaskLogits(ctx context.Context, tokenIDs []int) ([][]float32, error) {
	return m.run(ctx, tokenIDs)
}
