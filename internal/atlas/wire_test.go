package atlas

import (
	"errors"
	"strings"
	"testing"
)

func u64(v uint64) *uint64 { return &v }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{
			"set percentage",
			Message{ID: u64(7), Method: MethodSet, Params: &Params{Param: "ZoneGain_0", Value: &Value{Format: FormatPercent, Number: 75}}},
		},
		{
			"get without value",
			Message{ID: u64(8), Method: MethodGet, Params: &Params{Param: "ZoneMute_3"}},
		},
		{
			"set string",
			Message{ID: u64(9), Method: MethodSet, Params: &Params{Param: "ZoneName_1", Value: &Value{Format: FormatString, Text: "Patio"}}},
		},
		{
			"keep-alive",
			Message{ID: u64(10), Method: MethodBump},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeMessage(&tt.msg)
			if err != nil {
				t.Fatal(err)
			}
			if data[len(data)-1] != '\n' {
				t.Error("frame not newline-terminated")
			}

			var d Decoder
			d.Feed(data)
			got, err := d.Next()
			if err != nil {
				t.Fatal(err)
			}
			if got == nil {
				t.Fatal("complete frame not decoded")
			}
			if got.Version != ProtocolVersion {
				t.Errorf("version = %q, want %q", got.Version, ProtocolVersion)
			}
			if got.ID == nil || *got.ID != *tt.msg.ID {
				t.Errorf("id = %v, want %d", got.ID, *tt.msg.ID)
			}
			if got.Method != tt.msg.Method {
				t.Errorf("method = %q, want %q", got.Method, tt.msg.Method)
			}
			if tt.msg.Params != nil {
				if got.Params == nil {
					t.Fatal("params lost in round trip")
				}
				if got.Params.Param != tt.msg.Params.Param {
					t.Errorf("param = %q, want %q", got.Params.Param, tt.msg.Params.Param)
				}
				if (got.Params.Value == nil) != (tt.msg.Params.Value == nil) {
					t.Fatalf("value presence = %v, want %v", got.Params.Value != nil, tt.msg.Params.Value != nil)
				}
				if got.Params.Value != nil && *got.Params.Value != *tt.msg.Params.Value {
					t.Errorf("value = %+v, want %+v", *got.Params.Value, *tt.msg.Params.Value)
				}
			}
		})
	}
}

func TestDecoderFragmentedFrame(t *testing.T) {
	frame := `{"jsonrpc":"2.0","id":3,"method":"get","params":{"param":"ZoneGain_2","fmt":"pct","val":40}}` + "\n"

	var d Decoder
	// Feed one byte at a time; no message may surface before the terminator.
	for i := 0; i < len(frame)-1; i++ {
		d.Feed([]byte{frame[i]})
		m, err := d.Next()
		if err != nil {
			t.Fatalf("error at byte %d: %v", i, err)
		}
		if m != nil {
			t.Fatalf("message surfaced after %d bytes, before terminator", i+1)
		}
	}
	d.Feed([]byte{'\n'})
	m, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("no message after full frame")
	}
	if m.Params.Value.Number != 40 {
		t.Errorf("value = %v, want 40", m.Params.Value.Number)
	}
}

func TestDecoderCoalescedFrames(t *testing.T) {
	chunk := `{"jsonrpc":"2.0","id":1,"method":"get","params":{"param":"ZoneGain_0"}}` + "\n" +
		`{"jsonrpc":"2.0","method":"set","params":{"param":"ZoneMute_1","fmt":"val","val":1}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"get","params":{"param":"ZoneGain_1"}}` + "\n"

	var d Decoder
	d.Feed([]byte(chunk))

	var got []*Message
	for {
		m, err := d.Next()
		if err != nil {
			t.Fatal(err)
		}
		if m == nil {
			break
		}
		got = append(got, m)
	}
	if len(got) != 3 {
		t.Fatalf("decoded %d messages, want 3", len(got))
	}
	if !got[1].IsPush() {
		t.Error("message without id not detected as push")
	}
	if got[0].IsPush() || got[2].IsPush() {
		t.Error("correlated response detected as push")
	}
}

func TestDecoderMalformedFrame(t *testing.T) {
	var d Decoder
	d.Feed([]byte("{not json}\n"))
	d.Feed([]byte(`{"jsonrpc":"2.0","id":5,"method":"get","params":{"param":"ZoneGain_0"}}` + "\n"))

	_, err := d.Next()
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}

	// Decoding continues past the bad frame.
	m, err := d.Next()
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.ID == nil || *m.ID != 5 {
		t.Fatalf("good frame after malformed one not decoded: %+v", m)
	}
}

func TestDecoderRejectsUnknownVersion(t *testing.T) {
	var d Decoder
	d.Feed([]byte(`{"jsonrpc":"9.9","id":1,"method":"get"}` + "\n"))
	_, err := d.Next()
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestParamsValueFormatMismatch(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"string payload with numeric tag", `{"param":"ZoneGain_0","fmt":"pct","val":"loud"}`},
		{"numeric payload with string tag", `{"param":"ZoneName_0","fmt":"str","val":12}`},
		{"value without tag", `{"param":"ZoneGain_0","val":12}`},
		{"unknown tag", `{"param":"ZoneGain_0","fmt":"hex","val":12}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Params
			if err := p.UnmarshalJSON([]byte(tt.json)); err == nil {
				t.Errorf("mismatched params %s accepted", tt.json)
			}
		})
	}
}

func TestValueString(t *testing.T) {
	if s := Percent(62.5).String(); s != "62.5" {
		t.Errorf("Percent(62.5).String() = %q", s)
	}
	if s := Text("Main Bar").String(); s != "Main Bar" {
		t.Errorf("Text(...).String() = %q", s)
	}
	if !strings.HasPrefix(Absolute(-12).String(), "-12") {
		t.Errorf("Absolute(-12).String() = %q", Absolute(-12).String())
	}
}
