package happy

import (
	"math"
	"math/rand"
	"sort"
)

var negInf = math.Inf(-1)

// logitsProcessor applies the settings-driven constraints to raw logits.
type logitsProcessor struct {
	settings  GENSettings
	eos       int
	minLength int
	badWords  [][]int
}

// process returns a float64 copy of logits with penalties and bans applied.
func (p *logitsProcessor) process(seq *Sequence, logits []float32) []float64 {
	scores := make([]float64, len(logits))
	for i, l := range logits {
		scores[i] = float64(l)
	}

	if rp := p.settings.RepetitionPenalty; rp > 0 && rp != 1.0 {
		seen := make(map[int]struct{}, len(seq.TokenIDs))
		for _, id := range seq.TokenIDs {
			if _, ok := seen[id]; ok || id < 0 || id >= len(scores) {
				continue
			}
			seen[id] = struct{}{}
			if scores[id] > 0 {
				scores[id] /= rp
			} else {
				scores[id] *= rp
			}
		}
	}

	if n := p.settings.NoRepeatNgramSize; n > 0 {
		for _, id := range bannedNgramTokens(seq.TokenIDs, n) {
			if id >= 0 && id < len(scores) {
				scores[id] = negInf
			}
		}
	}

	for _, word := range p.badWords {
		if len(word) == 0 {
			continue
		}
		last := word[len(word)-1]
		if last < 0 || last >= len(scores) {
			continue
		}
		if hasSuffix(seq.TokenIDs, word[:len(word)-1]) {
			scores[last] = negInf
		}
	}

	if seq.NumCompletionTokens() < p.minLength && p.eos >= 0 && p.eos < len(scores) {
		scores[p.eos] = negInf
	}

	return scores
}

// bannedNgramTokens returns the tokens that would complete an n-gram
// already present in tokens.
func bannedNgramTokens(tokens []int, n int) []int {
	if len(tokens)+1 < n {
		return nil
	}
	prefix := tokens[len(tokens)-(n-1):]
	var banned []int
	for i := 0; i+n <= len(tokens); i++ {
		if equalInts(tokens[i:i+n-1], prefix) {
			banned = append(banned, tokens[i+n-1])
		}
	}
	return banned
}

func hasSuffix(tokens, suffix []int) bool {
	if len(suffix) > len(tokens) {
		return false
	}
	return equalInts(tokens[len(tokens)-len(suffix):], suffix)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func argmax(scores []float64) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// logSoftmax converts scores into log-probabilities.
func logSoftmax(scores []float64) []float64 {
	maxScore := negInf
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}

	out := make([]float64, len(scores))
	if math.IsInf(maxScore, -1) {
		for i := range out {
			out[i] = negInf
		}
		return out
	}

	var sum float64
	for _, s := range scores {
		sum += math.Exp(s - maxScore)
	}
	logSum := maxScore + math.Log(sum)
	for i, s := range scores {
		out[i] = s - logSum
	}
	return out
}

// softmax converts scores into probabilities.
func softmax(scores []float64) []float64 {
	probs := logSoftmax(scores)
	for i, lp := range probs {
		probs[i] = math.Exp(lp)
	}
	return probs
}

// Sampler draws tokens from processed scores.
type Sampler struct {
	settings GENSettings
	rng      *rand.Rand
}

// NewSampler creates a sampler. A negative seed picks a random one.
func NewSampler(settings GENSettings, seed int64) *Sampler {
	if seed < 0 {
		seed = rand.Int63() //nolint:gosec // sampling, not security
	}
	return &Sampler{
		settings: settings,
		rng:      rand.New(rand.NewSource(seed)), //nolint:gosec // deterministic seed for reproducibility
	}
}

// Sample applies temperature, top-k and top-p to scores and draws a token.
func (s *Sampler) Sample(scores []float64) int {
	scaled := make([]float64, len(scores))
	copy(scaled, scores)

	if t := s.settings.Temperature; t > 0 && t != 1.0 {
		for i := range scaled {
			scaled[i] /= t
		}
	}

	probs := softmax(scaled)

	if k := s.settings.TopK; k > 0 && k < len(probs) {
		probs = topKFiltering(probs, k)
	}

	if p := s.settings.TopP; p > 0 && p < 1.0 {
		probs = topPFiltering(probs, p)
	}

	return sampleMultinomial(probs, s.rng)
}

type indexedProb struct {
	idx  int
	prob float64
}

func sortedProbs(probs []float64) []indexedProb {
	indexed := make([]indexedProb, len(probs))
	for i, p := range probs {
		indexed[i] = indexedProb{i, p}
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		return indexed[i].prob > indexed[j].prob
	})
	return indexed
}

// topKFiltering keeps only top-k probabilities, zeros out the rest
func topKFiltering(probs []float64, k int) []float64 {
	indexed := sortedProbs(probs)
	result := make([]float64, len(probs))
	for i := 0; i < k && i < len(indexed); i++ {
		result[indexed[i].idx] = indexed[i].prob
	}
	return result
}

// topPFiltering keeps the smallest set of tokens whose mass reaches p
func topPFiltering(probs []float64, p float64) []float64 {
	indexed := sortedProbs(probs)

	var total float64
	for _, item := range indexed {
		total += item.prob
	}

	cumProb := 0.0
	cutoff := len(indexed)
	for i, item := range indexed {
		cumProb += item.prob
		if cumProb >= p*total {
			cutoff = i + 1
			break
		}
	}

	result := make([]float64, len(probs))
	for i := 0; i < cutoff; i++ {
		result[indexed[i].idx] = indexed[i].prob
	}
	return result
}

// sampleMultinomial samples from an unnormalized probability distribution
func sampleMultinomial(probs []float64, rng *rand.Rand) int {
	cumProbs := make([]float64, len(probs))
	var sum float64
	for i, p := range probs {
		sum += p
		cumProbs[i] = sum
	}
	if sum <= 0 {
		return argmax(probs)
	}

	r := rng.Float64() * sum
	idx := sort.Search(len(cumProbs), func(i int) bool {
		return cumProbs[i] > r
	})
	if idx >= len(probs) {
		idx = len(probs) - 1
	}
	return idx
}
