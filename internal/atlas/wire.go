package atlas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Wire protocol for the AtlasIED Atmosphere third-party control channel.
// Messages are single JSON objects terminated by '\n'. TCP gives no message
// boundaries, so the Decoder reassembles lines from arbitrary read chunks:
// one message may arrive split across several reads, or several messages
// may arrive in one read.

// ProtocolVersion is the version marker carried in every message.
const ProtocolVersion = "2.0"

// Method is the protocol operation carried by a message.
type Method string

const (
	MethodSet   Method = "set"
	MethodGet   Method = "get"
	MethodSub   Method = "sub"
	MethodUnsub Method = "unsub"
	// MethodBump is the reserved keep-alive. The device acknowledges it at
	// the socket level only; no application response is expected.
	MethodBump Method = "bmp"
)

// Format tags how a value is expressed on the wire.
type Format string

const (
	FormatValue   Format = "val" // absolute device units (e.g. dB)
	FormatPercent Format = "pct" // 0-100 percentage of the parameter's range
	FormatString  Format = "str" // text (names, source labels)
)

// Value is a tagged union of format and payload, so the two can never
// drift apart. Construct via Absolute, Percent or Text.
type Value struct {
	Format Format
	Number float64
	Text   string
}

// Absolute wraps a raw device-unit value.
func Absolute(n float64) Value { return Value{Format: FormatValue, Number: n} }

// Percent wraps a 0-100 percentage value.
func Percent(n float64) Value { return Value{Format: FormatPercent, Number: n} }

// Text wraps a string value.
func Text(s string) Value { return Value{Format: FormatString, Text: s} }

// String renders the payload for logging.
func (v Value) String() string {
	if v.Format == FormatString {
		return v.Text
	}
	return strconv.FormatFloat(v.Number, 'f', -1, 64)
}

// Params is the parameter block of a message.
type Params struct {
	Param string
	Value *Value // nil on get/sub/unsub requests and bare acks
}

type wireParams struct {
	Param string          `json:"param"`
	Fmt   Format          `json:"fmt,omitempty"`
	Val   json.RawMessage `json:"val,omitempty"`
}

// MarshalJSON emits {"param":..,"fmt":..,"val":..} with val typed per fmt.
func (p Params) MarshalJSON() ([]byte, error) {
	wp := wireParams{Param: p.Param}
	if p.Value != nil {
		wp.Fmt = p.Value.Format
		var raw []byte
		var err error
		if p.Value.Format == FormatString {
			raw, err = json.Marshal(p.Value.Text)
		} else {
			raw, err = json.Marshal(p.Value.Number)
		}
		if err != nil {
			return nil, err
		}
		wp.Val = raw
	}
	return json.Marshal(wp)
}

// UnmarshalJSON enforces that the payload type matches the fmt tag:
// "str" carries a JSON string, "val"/"pct" carry a JSON number.
func (p *Params) UnmarshalJSON(data []byte) error {
	var wp wireParams
	if err := json.Unmarshal(data, &wp); err != nil {
		return err
	}
	p.Param = wp.Param
	p.Value = nil
	if len(wp.Val) == 0 {
		return nil
	}
	switch wp.Fmt {
	case FormatString:
		var s string
		if err := json.Unmarshal(wp.Val, &s); err != nil {
			return fmt.Errorf("fmt %q with non-string value: %w", wp.Fmt, err)
		}
		p.Value = &Value{Format: FormatString, Text: s}
	case FormatValue, FormatPercent:
		var n float64
		if err := json.Unmarshal(wp.Val, &n); err != nil {
			return fmt.Errorf("fmt %q with non-numeric value: %w", wp.Fmt, err)
		}
		p.Value = &Value{Format: wp.Fmt, Number: n}
	case "":
		return fmt.Errorf("value present without fmt tag")
	default:
		return fmt.Errorf("unknown fmt tag %q", wp.Fmt)
	}
	return nil
}

// Message is the request/response/push envelope shared by both directions.
// Requests carry an ID; responses echo it; unsolicited parameter pushes from
// the device omit it.
type Message struct {
	Version string  `json:"jsonrpc"`
	ID      *uint64 `json:"id,omitempty"`
	Method  Method  `json:"method,omitempty"`
	Params  *Params `json:"params,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// IsPush reports whether the message is an unsolicited parameter change
// (no correlation id).
func (m *Message) IsPush() bool { return m.ID == nil }

// EncodeMessage serializes a message as one newline-terminated frame.
func EncodeMessage(m *Message) ([]byte, error) {
	if m.Version == "" {
		m.Version = ProtocolVersion
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return append(data, '\n'), nil
}

// Decoder reassembles newline-delimited JSON frames from a TCP stream.
// Feed raw read chunks in, then drain complete messages with Next.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends a raw chunk from the socket.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Next returns the next complete message, or nil when the buffer holds no
// full frame yet. A complete but unparseable frame yields an error wrapping
// ErrMalformedFrame; the frame is consumed so decoding can continue.
func (d *Decoder) Next() (*Message, error) {
	data := d.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, nil
	}
	line := make([]byte, idx)
	copy(line, data[:idx])
	d.buf.Next(idx + 1)

	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return d.Next()
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if m.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedFrame, m.Version)
	}
	return &m, nil
}

// Buffered returns the number of bytes awaiting a frame terminator.
func (d *Decoder) Buffered() int { return d.buf.Len() }
