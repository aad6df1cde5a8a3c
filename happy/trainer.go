package happy

import "context"

// Trainer runs optimization and evaluation for a model. Implementations
// own the training loop; this package only prepares the data.
type Trainer interface {
	Train(ctx context.Context, job TrainJob) error
	Evaluate(ctx context.Context, job EvalJob) (EvalResult, error)
}

// TrainJob is everything a trainer needs for one training run.
type TrainJob struct {
	Task  string  `json:"task"`
	Train Dataset `json:"train"`
	Eval  Dataset `json:"eval"`
	// Args is a GENTrainArgs or WPTrainArgs value.
	Args any `json:"args"`
}

// EvalJob is everything a trainer needs for one evaluation run.
type EvalJob struct {
	Task string  `json:"task"`
	Eval Dataset `json:"eval"`
	// Args is a GENEvalArgs or WPEvalArgs value.
	Args any `json:"args"`
}

// EvalResult is the outcome of an evaluation run.
type EvalResult struct {
	Loss float64 `json:"loss"`
}
