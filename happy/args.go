package happy

import "fmt"

// PreprocessArgs controls caching of tokenized datasets on disk.
type PreprocessArgs struct {
	SavePreprocessedData     bool   `json:"-" yaml:"save_preprocessed_data"`
	SavePreprocessedDataPath string `json:"-" yaml:"save_preprocessed_data_path"`
	LoadPreprocessedData     bool   `json:"-" yaml:"load_preprocessed_data"`
	LoadPreprocessedDataPath string `json:"-" yaml:"load_preprocessed_data_path"`
}

func (p PreprocessArgs) validate() error {
	if p.SavePreprocessedData && p.LoadPreprocessedData {
		return fmt.Errorf("%w: save_preprocessed_data and load_preprocessed_data cannot both be set", ErrIncompatibleArgs)
	}
	if p.SavePreprocessedData && p.SavePreprocessedDataPath == "" {
		return fmt.Errorf("%w: save_preprocessed_data requires save_preprocessed_data_path", ErrIncompatibleArgs)
	}
	if p.LoadPreprocessedData && p.LoadPreprocessedDataPath == "" {
		return fmt.Errorf("%w: load_preprocessed_data requires load_preprocessed_data_path", ErrIncompatibleArgs)
	}
	return nil
}

// TrainArgs holds the options shared by every training task. They are
// forwarded to the trainer unchanged.
type TrainArgs struct {
	PreprocessArgs `json:"-" yaml:",inline"`

	LearningRate   float64  `json:"learning_rate" yaml:"learning_rate"`
	NumTrainEpochs int      `json:"num_train_epochs" yaml:"num_train_epochs"`
	BatchSize      int      `json:"batch_size" yaml:"batch_size"`
	WeightDecay    float64  `json:"weight_decay" yaml:"weight_decay"`
	AdamBeta1      float64  `json:"adam_beta1" yaml:"adam_beta1"`
	AdamBeta2      float64  `json:"adam_beta2" yaml:"adam_beta2"`
	AdamEpsilon    float64  `json:"adam_epsilon" yaml:"adam_epsilon"`
	MaxGradNorm    float64  `json:"max_grad_norm" yaml:"max_grad_norm"`
	FP16           bool     `json:"fp16" yaml:"fp16"`
	GradientAccum  int      `json:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps"`
	LoggingSteps   int      `json:"logging_steps" yaml:"logging_steps"`
	OutputDir      string   `json:"output_dir" yaml:"output_dir"`
	ReportTo       []string `json:"report_to,omitempty" yaml:"report_to"`
	RunName        string   `json:"run_name,omitempty" yaml:"run_name"`
	Seed           int64    `json:"seed" yaml:"seed"`

	// MaxLength is the block size for grouped data and the truncation
	// length for line-by-line data.
	MaxLength int `json:"max_length" yaml:"max_length"`
	// EvalRatio is the share of cases held out when EvalFilepath is empty.
	EvalRatio    float64 `json:"-" yaml:"eval_ratio"`
	EvalFilepath string  `json:"-" yaml:"eval_filepath"`
}

func defaultTrainArgs() TrainArgs {
	return TrainArgs{
		LearningRate:   5e-5,
		NumTrainEpochs: 1,
		BatchSize:      1,
		AdamBeta1:      0.9,
		AdamBeta2:      0.999,
		AdamEpsilon:    1e-8,
		MaxGradNorm:    1.0,
		GradientAccum:  1,
		LoggingSteps:   100,
		OutputDir:      "happy_transformer/",
		Seed:           42,
		MaxLength:      1024,
		EvalRatio:      0.1,
	}
}

func (a TrainArgs) validate() error {
	if err := a.PreprocessArgs.validate(); err != nil {
		return err
	}
	if a.NumTrainEpochs <= 0 {
		return fmt.Errorf("%w: num_train_epochs must be positive", ErrIncompatibleArgs)
	}
	if a.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive", ErrIncompatibleArgs)
	}
	if a.MaxLength <= 0 {
		return fmt.Errorf("%w: max_length must be positive", ErrIncompatibleArgs)
	}
	if a.EvalFilepath == "" && !a.LoadPreprocessedData && (a.EvalRatio <= 0 || a.EvalRatio >= 1) {
		return fmt.Errorf("%w: eval_ratio must be in (0, 1) without eval_filepath", ErrIncompatibleArgs)
	}
	return nil
}

// EvalArgs holds the options shared by every evaluation task.
type EvalArgs struct {
	PreprocessArgs `json:"-" yaml:",inline"`

	BatchSize int `json:"batch_size" yaml:"batch_size"`
	MaxLength int `json:"max_length" yaml:"max_length"`
}

func defaultEvalArgs() EvalArgs {
	return EvalArgs{
		BatchSize: 1,
		MaxLength: 1024,
	}
}

func (a EvalArgs) validate() error {
	if err := a.PreprocessArgs.validate(); err != nil {
		return err
	}
	if a.BatchSize <= 0 {
		return fmt.Errorf("%w: batch_size must be positive", ErrIncompatibleArgs)
	}
	if a.MaxLength <= 0 {
		return fmt.Errorf("%w: max_length must be positive", ErrIncompatibleArgs)
	}
	return nil
}

// GENTrainArgs configures HappyGeneration.Train.
type GENTrainArgs struct {
	TrainArgs `yaml:",inline"`
}

// DefaultGENTrainArgs returns the default generation training arguments.
func DefaultGENTrainArgs() GENTrainArgs {
	return GENTrainArgs{TrainArgs: defaultTrainArgs()}
}

// GENEvalArgs configures HappyGeneration.Eval.
type GENEvalArgs struct {
	EvalArgs `yaml:",inline"`
}

// DefaultGENEvalArgs returns the default generation evaluation arguments.
func DefaultGENEvalArgs() GENEvalArgs {
	return GENEvalArgs{EvalArgs: defaultEvalArgs()}
}

// WPTrainArgs configures HappyWordPrediction.Train.
type WPTrainArgs struct {
	TrainArgs `yaml:",inline"`

	MLMProbability float64 `json:"mlm_probability" yaml:"mlm_probability"`
}

// DefaultWPTrainArgs returns the default word prediction training arguments.
func DefaultWPTrainArgs() WPTrainArgs {
	a := WPTrainArgs{TrainArgs: defaultTrainArgs(), MLMProbability: 0.15}
	a.MaxLength = 512
	return a
}

func (a WPTrainArgs) validate() error {
	if err := a.TrainArgs.validate(); err != nil {
		return err
	}
	return validateMLMProbability(a.MLMProbability)
}

// WPEvalArgs configures HappyWordPrediction.Eval.
type WPEvalArgs struct {
	EvalArgs `yaml:",inline"`

	MLMProbability float64 `json:"mlm_probability" yaml:"mlm_probability"`
}

// DefaultWPEvalArgs returns the default word prediction evaluation arguments.
func DefaultWPEvalArgs() WPEvalArgs {
	a := WPEvalArgs{EvalArgs: defaultEvalArgs(), MLMProbability: 0.15}
	a.MaxLength = 512
	return a
}

func (a WPEvalArgs) validate() error {
	if err := a.EvalArgs.validate(); err != nil {
		return err
	}
	return validateMLMProbability(a.MLMProbability)
}

func validateMLMProbability(p float64) error {
	if p <= 0 || p >= 1 {
		return fmt.Errorf("%w: mlm_probability must be in (0, 1)", ErrIncompatibleArgs)
	}
	return nil
}

// resolveArgs accepts args as T, *T or nil and rejects everything else.
func resolveArgs[T any](args any, defaults func() T) (T, error) {
	var zero T
	switch a := args.(type) {
	case nil:
		return defaults(), nil
	case T:
		return a, nil
	case *T:
		if a == nil {
			return defaults(), nil
		}
		return *a, nil
	case map[string]any, Settings:
		return zero, ErrDictArgs
	default:
		return zero, fmt.Errorf("%w: expected %T, got %T", ErrInvalidArgs, zero, args)
	}
}
