package atlas

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseMeterDatagram(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	data := []byte(`{"meters":[
		{"cat":"zone","idx":2,"lvl":-18.5,"pk":-6.2,"clip":false},
		{"cat":"input","idx":0,"lvl":-3.1,"pk":0.0,"clip":true}
	]}`)

	readings, err := ParseMeterDatagram(data, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 2 {
		t.Fatalf("parsed %d readings, want 2", len(readings))
	}
	if readings[0].Category != MeterZone || readings[0].Index != 2 {
		t.Errorf("reading 0 key = %s/%d, want zone/2", readings[0].Category, readings[0].Index)
	}
	if readings[0].Level != -18.5 || readings[0].Peak != -6.2 {
		t.Errorf("reading 0 levels = %v/%v", readings[0].Level, readings[0].Peak)
	}
	if !readings[1].Clip {
		t.Error("reading 1 clip flag lost")
	}
	if !readings[0].Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", readings[0].Timestamp, now)
	}
}

func TestParseMeterDatagramMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "meter levels go brr"},
		{"empty meters", `{"meters":[]}`},
		{"no meters key", `{"levels":[1,2,3]}`},
		{"unknown category", `{"meters":[{"cat":"subwoofer","idx":0,"lvl":-10}]}`},
		{"negative index", `{"meters":[{"cat":"zone","idx":-1,"lvl":-10}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMeterDatagram([]byte(tt.data), time.Now())
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestMeterRingBound(t *testing.T) {
	const bound = 1000
	r := newMeterRing(bound)

	// Insert well past the bound; only the most recent must survive.
	for i := 0; i < 1200; i++ {
		r.push(MeterReading{Category: MeterZone, Index: 2, Level: float64(i)})
	}
	if r.len() != bound {
		t.Fatalf("ring holds %d, want %d", r.len(), bound)
	}
	snap := r.snapshot()
	if len(snap) != bound {
		t.Fatalf("snapshot holds %d, want %d", len(snap), bound)
	}
	if snap[0].Level != 200 {
		t.Errorf("oldest retained = %v, want 200", snap[0].Level)
	}
	if snap[bound-1].Level != 1199 {
		t.Errorf("newest retained = %v, want 1199", snap[bound-1].Level)
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].Level != snap[i-1].Level+1 {
			t.Fatalf("snapshot out of order at %d: %v after %v", i, snap[i].Level, snap[i-1].Level)
		}
	}
}

func TestMeterRingEvictsExactlyOldest(t *testing.T) {
	r := newMeterRing(3)
	for i := 1; i <= 3; i++ {
		r.push(MeterReading{Level: float64(i)})
	}
	r.push(MeterReading{Level: 4})

	snap := r.snapshot()
	want := []float64{2, 3, 4}
	for i, w := range want {
		if snap[i].Level != w {
			t.Errorf("snapshot[%d] = %v, want %v", i, snap[i].Level, w)
		}
	}
}

func TestMeterRingPartiallyFilled(t *testing.T) {
	r := newMeterRing(10)
	r.push(MeterReading{Level: 7})
	if r.len() != 1 {
		t.Fatalf("len = %d, want 1", r.len())
	}
	snap := r.snapshot()
	if len(snap) != 1 || snap[0].Level != 7 {
		t.Errorf("snapshot = %v", snap)
	}
}

func BenchmarkMeterRingPush(b *testing.B) {
	r := newMeterRing(1000)
	for i := 0; i < b.N; i++ {
		r.push(MeterReading{Category: MeterZone, Index: i % 8, Level: float64(i)})
	}
	_ = fmt.Sprint(r.len())
}
