package happy

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	BackendHTTP = "http"
	BackendONNX = "onnx"
)

// Config holds the configuration for a model wrapper and its backend.
type Config struct {
	// Model is a model directory, ONNX file or hub model name, depending on Backend.
	Model string `yaml:"model"`
	// ModelType is informational (e.g. "gpt2", "bert").
	ModelType string `yaml:"model_type"`
	// Backend selects where model work is delegated: "http" or "onnx".
	Backend string `yaml:"backend"`
	// ServerURL is the base URL of the transformers server for the http backend.
	ServerURL string `yaml:"server_url"`
	// Tokenizer selects the tokenizer: "server", "vocab:<dir>", "hf:<tokenizer.json>"
	// or "tiktoken:<encoding>". Empty picks one that fits Backend.
	Tokenizer string `yaml:"tokenizer"`
	// Device is "auto", "cpu" or "cuda".
	Device string `yaml:"device"`
	// DefaultPreset is used when GenerateText is called without a method.
	DefaultPreset string `yaml:"default_preset"`
	// Seed drives sampling. -1 means random.
	Seed int64 `yaml:"seed"`
	// ShowProgress enables progress bars for batch work.
	ShowProgress bool `yaml:"show_progress"`
	// HubToken authenticates hub uploads.
	HubToken string `yaml:"hub_token"` //nolint:gosec // configuration field
	// MaskToken overrides the tokenizer's mask token.
	MaskToken string `yaml:"mask_token"`
	// ONNXInputs are the input names of the exported ONNX graph.
	ONNXInputs []string `yaml:"onnx_inputs"`
	// VocabSize is required by the onnx backend when the tokenizer cannot report it.
	VocabSize int `yaml:"vocab_size"`

	Logger *slog.Logger `yaml:"-"`
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(model string, opts ...ConfigOption) *Config {
	c := &Config{
		Model:         model,
		Backend:       BackendHTTP,
		ServerURL:     "http://127.0.0.1:8000",
		Device:        DeviceAuto,
		DefaultPreset: PresetGreedy,
		Seed:          -1,
		MaskToken:     "[MASK]",
		ONNXInputs:    []string{"input_ids", "attention_mask"},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// LoadConfig reads a YAML config file. Environment variables referenced as
// ${VAR} are expanded before parsing. Unset fields keep NewConfig defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // caller-provided configuration path
	if err != nil {
		return nil, fmt.Errorf("happy: load config: %w", err)
	}

	cfg := NewConfig("")
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("happy: parse config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendHTTP:
		if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
			return fmt.Errorf("happy: config: server_url must be an http(s) URL, got %q", c.ServerURL)
		}
	case BackendONNX:
		if c.Model == "" {
			return fmt.Errorf("happy: config: model is required for the onnx backend")
		}
		if _, err := os.Stat(c.Model); err != nil {
			return fmt.Errorf("happy: config: model: %w", err)
		}
		if len(c.ONNXInputs) == 0 {
			return fmt.Errorf("happy: config: onnx_inputs must not be empty")
		}
	default:
		return fmt.Errorf("happy: config: unknown backend %q", c.Backend)
	}

	switch c.Device {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
	default:
		return fmt.Errorf("happy: config: unknown device %q", c.Device)
	}

	if c.DefaultPreset == "" {
		return fmt.Errorf("happy: config: default_preset must not be empty")
	}

	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// WithBackend sets the backend kind
func WithBackend(kind string) ConfigOption {
	return func(c *Config) {
		c.Backend = kind
	}
}

// WithServerURL sets the transformers server URL
func WithServerURL(url string) ConfigOption {
	return func(c *Config) {
		c.ServerURL = url
	}
}

// WithTokenizer sets the tokenizer spec
func WithTokenizer(spec string) ConfigOption {
	return func(c *Config) {
		c.Tokenizer = spec
	}
}

// WithDevice sets the device
func WithDevice(device string) ConfigOption {
	return func(c *Config) {
		c.Device = device
	}
}

// WithDefaultPreset sets the preset used when no method is given
func WithDefaultPreset(name string) ConfigOption {
	return func(c *Config) {
		c.DefaultPreset = name
	}
}

// WithSeed sets the sampling seed
func WithSeed(seed int64) ConfigOption {
	return func(c *Config) {
		c.Seed = seed
	}
}

// WithShowProgress enables or disables progress bars
func WithShowProgress(b bool) ConfigOption {
	return func(c *Config) {
		c.ShowProgress = b
	}
}

// WithHubToken sets the hub token
func WithHubToken(token string) ConfigOption {
	return func(c *Config) {
		c.HubToken = token
	}
}

// WithMaskToken sets the mask token
func WithMaskToken(token string) ConfigOption {
	return func(c *Config) {
		c.MaskToken = token
	}
}

// WithVocabSize sets the vocabulary size
func WithVocabSize(n int) ConfigOption {
	return func(c *Config) {
		c.VocabSize = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}
