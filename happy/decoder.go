package happy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
)

// Decoder runs autoregressive decoding against a ModelRunner. It is used
// when the backend does not implement TextGenerator.
type Decoder struct {
	runner    ModelRunner
	tokenizer Tokenizer
	logger    *slog.Logger
	seed      int64
}

// NewDecoder creates a decoder. A negative seed samples randomly.
func NewDecoder(runner ModelRunner, tokenizer Tokenizer, logger *slog.Logger, seed int64) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		runner:    runner,
		tokenizer: tokenizer,
		logger:    logger,
		seed:      seed,
	}
}

// Decode generates between minLength and maxLength tokens after prompt
// and returns them without the prompt and without a trailing EOS.
func (d *Decoder) Decode(ctx context.Context, prompt []int, settings GENSettings, minLength, maxLength int) ([]int, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("decode: empty prompt")
	}

	proc, err := d.newProcessor(settings, minLength)
	if err != nil {
		return nil, err
	}

	numBeams := settings.NumBeams
	if numBeams < 1 {
		numBeams = 1
	}

	var out []int
	switch {
	case numBeams > 1:
		if settings.DoSample {
			d.logger.Debug("beam sampling is not supported, using beam search", "num_beams", numBeams)
		}
		out, err = d.beamSearch(ctx, prompt, proc, numBeams, maxLength)
	default:
		out, err = d.stepwise(ctx, prompt, proc, maxLength)
	}
	if err != nil {
		return nil, err
	}

	if n := len(out); n > 0 && out[n-1] == proc.eos {
		out = out[:n-1]
	}
	return out, nil
}

func (d *Decoder) newProcessor(settings GENSettings, minLength int) (*logitsProcessor, error) {
	proc := &logitsProcessor{
		settings:  settings,
		eos:       d.tokenizer.EOSTokenID(),
		minLength: minLength,
	}
	for _, word := range settings.BadWords {
		ids, err := d.tokenizer.Encode(word)
		if err != nil {
			return nil, fmt.Errorf("failed to encode bad word %q: %w", word, err)
		}
		if len(ids) > 0 {
			proc.badWords = append(proc.badWords, ids)
		}
	}
	for _, ids := range settings.BadWordsIDs {
		if len(ids) > 0 {
			proc.badWords = append(proc.badWords, ids)
		}
	}
	return proc, nil
}

// stepwise runs greedy decoding, or sampling when DoSample is set.
func (d *Decoder) stepwise(ctx context.Context, prompt []int, proc *logitsProcessor, maxLength int) ([]int, error) {
	var sampler *Sampler
	if proc.settings.DoSample {
		sampler = NewSampler(proc.settings, d.seed)
	}

	seq := NewSequence(prompt)
	for seq.NumCompletionTokens() < maxLength {
		logits, err := d.runner.Logits(ctx, [][]int{seq.TokenIDs})
		if err != nil {
			return nil, fmt.Errorf("model inference failed: %w", err)
		}
		if len(logits) != 1 {
			return nil, fmt.Errorf("model returned %d logit rows for 1 sequence", len(logits))
		}

		scores := proc.process(seq, logits[0])
		var tokenID int
		if sampler != nil {
			tokenID = sampler.Sample(scores)
		} else {
			tokenID = argmax(scores)
		}
		seq.AppendToken(tokenID, 0)

		if tokenID == proc.eos {
			seq.Status = StatusFinished
			break
		}
	}
	return seq.CompletionTokenIDs(), nil
}

type beamCandidate struct {
	parent  *Sequence
	tokenID int
	logProb float64
	total   float64
}

// beamSearch keeps the numBeams best hypotheses per step.
func (d *Decoder) beamSearch(ctx context.Context, prompt []int, proc *logitsProcessor, numBeams, maxLength int) ([]int, error) {
	lengthPenalty := proc.settings.LengthPenalty
	beams := []*Sequence{NewSequence(prompt)}
	var finished []*Sequence

	for step := 0; step < maxLength && len(beams) > 0; step++ {
		batch := make([][]int, len(beams))
		for i, b := range beams {
			batch[i] = b.TokenIDs
		}

		logits, err := d.runner.Logits(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("model inference failed: %w", err)
		}
		if len(logits) != len(beams) {
			return nil, fmt.Errorf("model returned %d logit rows for %d sequences", len(logits), len(beams))
		}

		var candidates []beamCandidate
		for i, b := range beams {
			logProbs := logSoftmax(proc.process(b, logits[i]))
			for _, ip := range sortedProbs(logProbs)[:min(2*numBeams, len(logProbs))] {
				if math.IsInf(ip.prob, -1) {
					break
				}
				candidates = append(candidates, beamCandidate{
					parent:  b,
					tokenID: ip.idx,
					logProb: ip.prob,
					total:   b.LogProb + ip.prob,
				})
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].total > candidates[j].total
		})

		next := make([]*Sequence, 0, numBeams)
		for rank, c := range candidates {
			child := c.parent.Fork(c.tokenID, c.logProb)
			if c.tokenID == proc.eos {
				if rank < numBeams {
					child.Status = StatusFinished
					finished = append(finished, child)
				}
				continue
			}
			next = append(next, child)
			if len(next) == numBeams {
				break
			}
		}
		beams = next

		if len(finished) >= numBeams {
			if proc.settings.EarlyStopping || len(beams) == 0 {
				break
			}
			best := beams[0].Score(lengthPenalty)
			if best <= worstScore(finished, lengthPenalty) {
				break
			}
		}
	}

	finished = append(finished, beams...)
	if len(finished) == 0 {
		return nil, nil
	}

	best := finished[0]
	for _, s := range finished[1:] {
		if s.Score(lengthPenalty) > best.Score(lengthPenalty) {
			best = s
		}
	}
	return best.CompletionTokenIDs(), nil
}

func worstScore(seqs []*Sequence, lengthPenalty float64) float64 {
	worst := math.Inf(1)
	for _, s := range seqs {
		if sc := s.Score(lengthPenalty); sc < worst {
			worst = sc
		}
	}
	return worst
}
