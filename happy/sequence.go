package happy

import (
	"math"
	"sync/atomic"
)

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	StatusRunning SequenceStatus = iota
	StatusFinished
)

// Sequence is one decoding hypothesis: the prompt followed by the tokens
// generated so far, with the accumulated log-probability.
type Sequence struct {
	SeqID           int64
	Status          SequenceStatus
	TokenIDs        []int
	LastToken       int
	NumTokens       int
	NumPromptTokens int
	LogProb         float64
}

var seqCounter int64

// NewSequence creates a new sequence from prompt token IDs
func NewSequence(tokenIDs []int) *Sequence {
	seqID := atomic.AddInt64(&seqCounter, 1) - 1

	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)

	last := -1
	if len(tokenIDs) > 0 {
		last = tokenIDs[len(tokenIDs)-1]
	}

	return &Sequence{
		SeqID:           seqID,
		Status:          StatusRunning,
		TokenIDs:        tokens,
		LastToken:       last,
		NumTokens:       len(tokenIDs),
		NumPromptTokens: len(tokenIDs),
	}
}

// Fork returns a copy of s extended with tokenID, adding logProb to its score.
func (s *Sequence) Fork(tokenID int, logProb float64) *Sequence {
	child := NewSequence(s.TokenIDs)
	child.NumPromptTokens = s.NumPromptTokens
	child.LogProb = s.LogProb
	child.AppendToken(tokenID, logProb)
	return child
}

// Len returns the number of tokens in the sequence
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished returns true if the sequence has finished generating
func (s *Sequence) IsFinished() bool {
	return s.Status == StatusFinished
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// AppendToken appends a token to the sequence
func (s *Sequence) AppendToken(tokenID int, logProb float64) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++
	s.LogProb += logProb
}

// Score returns the length-normalized log-probability used to rank beams.
func (s *Sequence) Score(lengthPenalty float64) float64 {
	n := s.NumCompletionTokens()
	if n == 0 {
		return s.LogProb
	}
	return s.LogProb / math.Pow(float64(n), lengthPenalty)
}
