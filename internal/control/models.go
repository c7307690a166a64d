package control

import "errors"

// Validation failures are detected before any network I/O.
var (
	ErrValidation    = errors.New("validation error")
	ErrUnknownDevice = errors.New("unknown device")
	ErrUnknownModel  = errors.New("unknown device model")
)

// ModelCaps holds a processor model's capacity limits and factory defaults.
// Indices are zero-based, so valid indices for a category are [0, limit).
// The control protocol itself is unauthenticated; credentials are device
// configuration data, used to fill unset endpoint credentials and to flag
// units still running factory defaults.
type ModelCaps struct {
	Zones    int
	Sources  int
	Groups   int
	Scenes   int
	Messages int

	DefaultUsername string
	DefaultPassword string
}

// modelCatalog maps model identifiers to their capacities. AZMP variants are
// the amplified versions of the same zone controllers. The whole family
// ships with admin/admin.
var modelCatalog = map[string]ModelCaps{
	"AZM4":  {Zones: 4, Sources: 6, Groups: 4, Scenes: 8, Messages: 8, DefaultUsername: "admin", DefaultPassword: "admin"},
	"AZMP4": {Zones: 4, Sources: 6, Groups: 4, Scenes: 8, Messages: 8, DefaultUsername: "admin", DefaultPassword: "admin"},
	"AZM8":  {Zones: 8, Sources: 10, Groups: 8, Scenes: 16, Messages: 16, DefaultUsername: "admin", DefaultPassword: "admin"},
	"AZMP8": {Zones: 8, Sources: 10, Groups: 8, Scenes: 16, Messages: 16, DefaultUsername: "admin", DefaultPassword: "admin"},
}

// LookupModel returns the capacity limits for a model identifier.
func LookupModel(id string) (ModelCaps, bool) {
	caps, ok := modelCatalog[id]
	return caps, ok
}

// Models lists the known model identifiers.
func Models() []string {
	out := make([]string, 0, len(modelCatalog))
	for id := range modelCatalog {
		out = append(out, id)
	}
	return out
}

// limit returns the capacity bound for a parameter category.
func (c ModelCaps) limit(cat Category) int {
	switch cat {
	case CategoryGain, CategoryMute, CategorySource, CategoryName:
		return c.Zones
	case CategoryGroupActive:
		return c.Groups
	case CategorySceneRecall:
		return c.Scenes
	case CategoryMessagePlay:
		return c.Messages
	default:
		return 0
	}
}
