package control

import (
	"fmt"
	"strconv"
	"strings"

	"atlas-audio-control/internal/atlas"
)

// Category is the kind of addressable parameter. Callers address parameters
// by (category, zero-based index); the wire name is derived, never exposed
// as the primary key.
type Category string

const (
	CategoryGain        Category = "gain"
	CategoryMute        Category = "mute"
	CategorySource      Category = "source"
	CategoryName        Category = "name"
	CategoryGroupActive Category = "group_active"
	CategorySceneRecall Category = "scene_recall"
	CategoryMessagePlay Category = "message_play"
)

// defaultPatterns is the stock wire-name convention: category prefix plus
// zero-based index suffix. Hardware revisions are known to disagree on some
// names, so endpoints may override any pattern per category; the mapping is
// configuration, not a guess.
var defaultPatterns = map[Category]string{
	CategoryGain:        "ZoneGain_%d",
	CategoryMute:        "ZoneMute_%d",
	CategorySource:      "ZoneSource_%d",
	CategoryName:        "ZoneName_%d",
	CategoryGroupActive: "GroupActive_%d",
	CategorySceneRecall: "SceneRecall_%d",
	CategoryMessagePlay: "MessagePlay_%d",
}

// Categories lists all parameter categories.
func Categories() []Category {
	return []Category{
		CategoryGain, CategoryMute, CategorySource, CategoryName,
		CategoryGroupActive, CategorySceneRecall, CategoryMessagePlay,
	}
}

// paramNamer derives wire names for one device, honoring per-device
// pattern overrides.
type paramNamer struct {
	patterns map[Category]string
}

func newParamNamer(overrides map[string]string) (*paramNamer, error) {
	patterns := make(map[Category]string, len(defaultPatterns))
	for cat, p := range defaultPatterns {
		patterns[cat] = p
	}
	for key, p := range overrides {
		cat := Category(key)
		if _, ok := defaultPatterns[cat]; !ok {
			return nil, fmt.Errorf("%w: unknown parameter category %q in pattern overrides", ErrValidation, key)
		}
		if !strings.Contains(p, "%d") {
			return nil, fmt.Errorf("%w: pattern %q for %s has no %%d index slot", ErrValidation, p, cat)
		}
		patterns[cat] = p
	}
	return &paramNamer{patterns: patterns}, nil
}

// wireName builds the device parameter name for a (category, index) pair.
func (n *paramNamer) wireName(cat Category, index int) string {
	return fmt.Sprintf(n.patterns[cat], index)
}

// parseWireName maps a device parameter name back to (category, index).
// Used for unsolicited pushes, which arrive keyed by wire name.
func (n *paramNamer) parseWireName(name string) (Category, int, bool) {
	for cat, pattern := range n.patterns {
		i := strings.Index(pattern, "%d")
		prefix, suffix := pattern[:i], pattern[i+2:]
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		digits := name[len(prefix) : len(name)-len(suffix)]
		idx, err := strconv.Atoi(digits)
		if err != nil || idx < 0 {
			continue
		}
		return cat, idx, true
	}
	return "", 0, false
}

// validateIndex rejects indices outside the model's capacity for the
// category before anything touches a socket.
func validateIndex(caps ModelCaps, cat Category, index int) error {
	limit := caps.limit(cat)
	if limit == 0 {
		return fmt.Errorf("%w: unknown category %q", ErrValidation, cat)
	}
	if index < 0 || index >= limit {
		return fmt.Errorf("%w: %s index %d out of range [0,%d)", ErrValidation, cat, index, limit)
	}
	return nil
}

// Gain limits in absolute device units (dB).
const (
	gainMinDB = -60.0
	gainMaxDB = 12.0
)

// validateValue checks a set value against the category's declared range or
// enumerated states.
func validateValue(caps ModelCaps, cat Category, v *atlas.Value) error {
	if v == nil {
		return fmt.Errorf("%w: set %s requires a value", ErrValidation, cat)
	}
	switch cat {
	case CategoryGain:
		switch v.Format {
		case atlas.FormatPercent:
			if v.Number < 0 || v.Number > 100 {
				return fmt.Errorf("%w: gain %v%% outside [0,100]", ErrValidation, v.Number)
			}
		case atlas.FormatValue:
			if v.Number < gainMinDB || v.Number > gainMaxDB {
				return fmt.Errorf("%w: gain %vdB outside [%v,%v]", ErrValidation, v.Number, gainMinDB, gainMaxDB)
			}
		default:
			return fmt.Errorf("%w: gain takes a numeric value", ErrValidation)
		}
	case CategoryMute, CategoryGroupActive, CategoryMessagePlay, CategorySceneRecall:
		if v.Format != atlas.FormatValue || (v.Number != 0 && v.Number != 1) {
			return fmt.Errorf("%w: %s must be 0 or 1", ErrValidation, cat)
		}
	case CategorySource:
		if v.Format != atlas.FormatValue {
			return fmt.Errorf("%w: source select takes an absolute index", ErrValidation)
		}
		idx := int(v.Number)
		if float64(idx) != v.Number || idx < 0 || idx >= caps.Sources {
			return fmt.Errorf("%w: source %v outside [0,%d)", ErrValidation, v.Number, caps.Sources)
		}
	case CategoryName:
		if v.Format != atlas.FormatString {
			return fmt.Errorf("%w: name takes a string value", ErrValidation)
		}
		if len(v.Text) > 64 {
			return fmt.Errorf("%w: name longer than 64 bytes", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown category %q", ErrValidation, cat)
	}
	return nil
}

// ParseSourceRef resolves the loose source spellings callers use — "Source 3",
// "input_3" (both 1-based physical inputs) and "matrix_audio_2" — into a
// zero-based source index. Matrix-audio sources sit at a device-dependent
// offset from physical inputs; the offset comes from endpoint configuration
// and an unset offset is an error, never a silent assumption.
func ParseSourceRef(ref string, caps ModelCaps, matrixOffset int) (int, error) {
	ref = strings.TrimSpace(ref)

	numFrom := func(s string) (int, error) {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("%w: bad source reference %q", ErrValidation, ref)
		}
		return n, nil
	}

	var idx int
	switch {
	case strings.HasPrefix(strings.ToLower(ref), "source "):
		n, err := numFrom(strings.TrimSpace(ref[len("source "):]))
		if err != nil {
			return 0, err
		}
		idx = n - 1
	case strings.HasPrefix(ref, "input_"):
		n, err := numFrom(ref[len("input_"):])
		if err != nil {
			return 0, err
		}
		idx = n - 1
	case strings.HasPrefix(ref, "matrix_audio_"):
		if matrixOffset <= 0 {
			return 0, fmt.Errorf("%w: matrix_audio source used but matrix_source_offset is not configured for this device", ErrValidation)
		}
		n, err := numFrom(ref[len("matrix_audio_"):])
		if err != nil {
			return 0, err
		}
		idx = matrixOffset + n - 1
	default:
		return 0, fmt.Errorf("%w: unrecognized source reference %q", ErrValidation, ref)
	}

	if idx < 0 || idx >= caps.Sources {
		return 0, fmt.Errorf("%w: source reference %q resolves to index %d outside [0,%d)", ErrValidation, ref, idx, caps.Sources)
	}
	return idx, nil
}
