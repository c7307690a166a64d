package atlas

import (
	"encoding/json"
	"fmt"
	"time"
)

// MeterCategory identifies which signal chain a telemetry sample belongs to.
type MeterCategory string

const (
	MeterZone   MeterCategory = "zone"
	MeterSource MeterCategory = "source"
	MeterInput  MeterCategory = "input"
	MeterOutput MeterCategory = "output"
)

var meterCategories = map[MeterCategory]bool{
	MeterZone:   true,
	MeterSource: true,
	MeterInput:  true,
	MeterOutput: true,
}

// MeterReading is one real-time level sample from the metering channel.
type MeterReading struct {
	Category  MeterCategory `json:"category"`
	Index     int           `json:"index"`
	Level     float64       `json:"level"` // instantaneous, dBFS
	Peak      float64       `json:"peak"`  // held peak, dBFS
	Clip      bool          `json:"clip"`
	Timestamp time.Time     `json:"timestamp"`
}

// Metering datagrams are standalone JSON documents, no framing needed —
// UDP preserves message boundaries. One datagram carries one or more samples.
type meterDatagram struct {
	Meters []meterRecord `json:"meters"`
}

type meterRecord struct {
	Cat  string  `json:"cat"`
	Idx  int     `json:"idx"`
	Lvl  float64 `json:"lvl"`
	Pk   float64 `json:"pk"`
	Clip bool    `json:"clip"`
}

// ParseMeterDatagram decodes a metering datagram into readings, stamping
// them with now. Unknown categories and negative indices fail the whole
// datagram; loss is tolerated on this channel, partial trust is not.
func ParseMeterDatagram(data []byte, now time.Time) ([]MeterReading, error) {
	var dg meterDatagram
	if err := json.Unmarshal(data, &dg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(dg.Meters) == 0 {
		return nil, fmt.Errorf("%w: datagram without meters", ErrMalformedFrame)
	}
	readings := make([]MeterReading, 0, len(dg.Meters))
	for _, r := range dg.Meters {
		cat := MeterCategory(r.Cat)
		if !meterCategories[cat] {
			return nil, fmt.Errorf("%w: unknown meter category %q", ErrMalformedFrame, r.Cat)
		}
		if r.Idx < 0 {
			return nil, fmt.Errorf("%w: negative meter index %d", ErrMalformedFrame, r.Idx)
		}
		readings = append(readings, MeterReading{
			Category:  cat,
			Index:     r.Idx,
			Level:     r.Lvl,
			Peak:      r.Pk,
			Clip:      r.Clip,
			Timestamp: now,
		})
	}
	return readings, nil
}

type ringKey struct {
	cat MeterCategory
	idx int
}

// meterRing is a fixed-capacity ring of the most recent readings for one
// (category, index) key. Push past capacity evicts exactly the oldest entry.
type meterRing struct {
	buf  []MeterReading
	head int // next write position
	n    int
}

func newMeterRing(capacity int) *meterRing {
	if capacity < 1 {
		capacity = 1
	}
	return &meterRing{buf: make([]MeterReading, capacity)}
}

func (r *meterRing) push(m MeterReading) {
	r.buf[r.head] = m
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *meterRing) len() int { return r.n }

// snapshot returns retained readings in chronological order, oldest first.
func (r *meterRing) snapshot() []MeterReading {
	out := make([]MeterReading, 0, r.n)
	start := r.head - r.n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
