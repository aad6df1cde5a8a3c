package happy

import (
	"fmt"
	"log/slog"
	"sort"
)

// Settings maps generation parameter names to values.
type Settings map[string]any

// GenerationSettings is the user-facing name for a settings override map.
type GenerationSettings = Settings

// Setting keys understood by the decoder and by backends.
const (
	KeyDoSample          = "do_sample"
	KeyEarlyStopping     = "early_stopping"
	KeyNumBeams          = "num_beams"
	KeyTemperature       = "temperature"
	KeyTopK              = "top_k"
	KeyTopP              = "top_p"
	KeyNoRepeatNgramSize = "no_repeat_ngram_size"
	KeyRepetitionPenalty = "repetition_penalty"
	KeyLengthPenalty     = "length_penalty"
	KeyBadWords          = "bad_words_ids"
)

// Preset names.
const (
	PresetGreedy          = "greedy"
	PresetBeamSearch      = "beam-search"
	PresetGenericSampling = "generic-sampling"
	PresetTopKSampling    = "top-k-sampling"
	PresetTopPSampling    = "top-p-sampling"
)

func greedySettings() Settings {
	return Settings{
		KeyDoSample:          false,
		KeyEarlyStopping:     false,
		KeyNumBeams:          1,
		KeyTemperature:       0.65,
		KeyTopK:              50,
		KeyTopP:              1.0,
		KeyNoRepeatNgramSize: 2,
		KeyRepetitionPenalty: 1.0,
		KeyLengthPenalty:     1.0,
		KeyBadWords:          []string{},
	}
}

func derive(overrides Settings) Settings {
	s := greedySettings()
	for k, v := range overrides {
		s[k] = v
	}
	return s
}

// DefaultPresets returns a fresh copy of the built-in presets.
func DefaultPresets() map[string]Settings {
	return map[string]Settings{
		PresetGreedy: greedySettings(),
		PresetBeamSearch: derive(Settings{
			KeyNumBeams:      5,
			KeyEarlyStopping: true,
		}),
		PresetGenericSampling: derive(Settings{
			KeyDoSample:    true,
			KeyTemperature: 0.7,
			KeyTopK:        0,
		}),
		PresetTopKSampling: derive(Settings{
			KeyDoSample: true,
		}),
		PresetTopPSampling: derive(Settings{
			KeyDoSample: true,
			KeyTopK:     0,
			KeyTopP:     0.92,
		}),
	}
}

// Clone returns a copy of s. Slice values are copied too.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		switch vv := v.(type) {
		case []string:
			v = append([]string{}, vv...)
		case [][]int:
			v = cloneIDs(vv)
		}
		out[k] = v
	}
	return out
}

func cloneIDs(ids [][]int) [][]int {
	out := make([][]int, len(ids))
	for i, seq := range ids {
		out[i] = append([]int{}, seq...)
	}
	return out
}

// Keys returns the keys of s in sorted order.
func (s Settings) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WarningKind classifies a settings warning.
type WarningKind int

const (
	// WarnUnknownKey marks an override key the preset does not define.
	WarnUnknownKey WarningKind = iota
	// WarnMissingKey marks a preset key the override does not set.
	WarnMissingKey
	// WarnBadType marks an override value that cannot be converted to the preset's type.
	WarnBadType
	// WarnUnknownPreset marks a preset name that is not registered.
	WarnUnknownPreset
)

func (k WarningKind) String() string {
	switch k {
	case WarnUnknownKey:
		return "unknown key"
	case WarnMissingKey:
		return "missing key"
	case WarnBadType:
		return "bad type"
	case WarnUnknownPreset:
		return "unknown preset"
	default:
		return fmt.Sprintf("WarningKind(%d)", int(k))
	}
}

// Warning describes a non-fatal problem found while resolving settings.
type Warning struct {
	Kind WarningKind
	Key  string
}

func (w Warning) String() string {
	return w.Kind.String() + ": " + w.Key
}

// SettingsResolver merges user overrides into named presets.
type SettingsResolver struct {
	logger   *slog.Logger
	presets  map[string]Settings
	fallback string
}

// NewSettingsResolver creates a resolver. A nil presets map uses DefaultPresets.
func NewSettingsResolver(logger *slog.Logger, presets map[string]Settings) *SettingsResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if presets == nil {
		presets = DefaultPresets()
	}
	return &SettingsResolver{
		logger:   logger,
		presets:  presets,
		fallback: PresetGreedy,
	}
}

// Presets returns the registered preset names in sorted order.
func (r *SettingsResolver) Presets() []string {
	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the preset named preset with overrides applied.
//
// The result always has exactly the preset's keys. Override keys the preset
// does not know are dropped, preset keys the override leaves out keep their
// default, and both are reported as warnings. A nil override returns the
// preset unchanged and silently; an empty one warns for every preset key.
func (r *SettingsResolver) Resolve(preset string, overrides Settings) (Settings, []Warning) {
	var warnings []Warning
	warn := func(kind WarningKind, key string) {
		warnings = append(warnings, Warning{Kind: kind, Key: key})
		r.logger.Warn("generation settings: "+kind.String(), "key", key, "preset", preset)
	}

	base, ok := r.presets[preset]
	if !ok {
		warn(WarnUnknownPreset, preset)
		preset = r.fallback
		base = r.presets[preset]
	}

	merged := base.Clone()
	if overrides == nil {
		return merged, warnings
	}

	for _, key := range overrides.Keys() {
		def, known := base[key]
		if !known {
			warn(WarnUnknownKey, key)
			continue
		}
		v, ok := coerce(overrides[key], def)
		if !ok {
			warn(WarnBadType, key)
			continue
		}
		merged[key] = v
	}

	for _, key := range base.Keys() {
		if _, set := overrides[key]; !set {
			warn(WarnMissingKey, key)
		}
	}

	return merged, warnings
}

// coerce converts v to the dynamic type of like.
func coerce(v, like any) (any, bool) {
	switch like.(type) {
	case bool:
		b, ok := v.(bool)
		return b, ok
	case int:
		switch n := v.(type) {
		case int:
			return n, true
		case int32:
			return int(n), true
		case int64:
			return int(n), true
		case float64:
			if n == float64(int(n)) {
				return int(n), true
			}
		}
		return nil, false
	case float64:
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		}
		return nil, false
	case []string, [][]int:
		return coerceBadWords(v)
	default:
		return v, true
	}
}

// coerceBadWords accepts bad words either as plain strings, which the
// decoder encodes, or as lists of token ids.
func coerceBadWords(v any) (any, bool) {
	switch words := v.(type) {
	case nil:
		return []string{}, true
	case []string:
		return append([]string{}, words...), true
	case [][]int:
		return cloneIDs(words), true
	case []any:
		if len(words) == 0 {
			return []string{}, true
		}
		if _, ok := words[0].(string); ok {
			out := make([]string, 0, len(words))
			for _, w := range words {
				s, ok := w.(string)
				if !ok {
					return nil, false
				}
				out = append(out, s)
			}
			return out, true
		}
		out := make([][]int, 0, len(words))
		for _, w := range words {
			seq, ok := w.([]any)
			if !ok {
				return nil, false
			}
			ids := make([]int, 0, len(seq))
			for _, id := range seq {
				n, ok := coerce(id, 0)
				if !ok {
					return nil, false
				}
				ids = append(ids, n.(int))
			}
			out = append(out, ids)
		}
		return out, true
	}
	return nil, false
}

// GENSettings is the typed form of a resolved Settings map.
type GENSettings struct {
	DoSample          bool
	EarlyStopping     bool
	NumBeams          int
	Temperature       float64
	TopK              int
	TopP              float64
	NoRepeatNgramSize int
	RepetitionPenalty float64
	LengthPenalty     float64
	BadWords          []string
	BadWordsIDs       [][]int
}

// Typed converts resolved settings into GENSettings. Keys that are absent
// or of an unexpected type take greedy defaults.
func (s Settings) Typed() GENSettings {
	d := greedySettings()
	get := func(key string) any {
		if v, ok := coerce(s[key], d[key]); ok && s[key] != nil {
			return v
		}
		return d[key]
	}
	typed := GENSettings{
		DoSample:          get(KeyDoSample).(bool),
		EarlyStopping:     get(KeyEarlyStopping).(bool),
		NumBeams:          get(KeyNumBeams).(int),
		Temperature:       get(KeyTemperature).(float64),
		TopK:              get(KeyTopK).(int),
		TopP:              get(KeyTopP).(float64),
		NoRepeatNgramSize: get(KeyNoRepeatNgramSize).(int),
		RepetitionPenalty: get(KeyRepetitionPenalty).(float64),
		LengthPenalty:     get(KeyLengthPenalty).(float64),
		BadWords:          []string{},
	}
	if v, ok := coerceBadWords(s[KeyBadWords]); ok {
		switch words := v.(type) {
		case []string:
			typed.BadWords = words
		case [][]int:
			typed.BadWordsIDs = words
		}
	}
	return typed
}
