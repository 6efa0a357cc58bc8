package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrUnknownCodec = errors.New("protocol: unknown codec")
	ErrMissingEvent = errors.New("protocol: frame has no event")
)

// Codec encodes frames and payloads for one wire format.
type Codec interface {
	Name() string
	// Binary reports whether frames go out as binary websocket messages.
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	EncodeFrame(event string, id uint64, payload any) ([]byte, error)
	DecodeFrame(b []byte) (Frame, error)
}

// ByName resolves the ?encoding= query value. Empty means JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

type jsonFrame struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Binary() bool                       { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return unmarshalOptional(json.Unmarshal, data, v) }

func (jsonCodec) EncodeFrame(event string, id uint64, payload any) ([]byte, error) {
	f := jsonFrame{Event: event, ID: id}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		f.Data = b
	}
	return json.Marshal(f)
}

func (jsonCodec) DecodeFrame(b []byte) (Frame, error) {
	var f jsonFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, ErrMissingEvent
	}
	return Frame{Event: f.Event, ID: f.ID, Data: f.Data}, nil
}

type cborFrame struct {
	Event string          `cbor:"event"`
	ID    uint64          `cbor:"id,omitempty"`
	Data  cbor.RawMessage `cbor:"data,omitempty"`
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	// Maps decode as map[string]any so state documents look the same no
	// matter which codec delivered them.
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string                         { return "cbor" }
func (cborCodec) Binary() bool                         { return true }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return unmarshalOptional(c.dec.Unmarshal, data, v) }

func (c cborCodec) EncodeFrame(event string, id uint64, payload any) ([]byte, error) {
	f := cborFrame{Event: event, ID: id}
	if payload != nil {
		b, err := c.enc.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		f.Data = b
	}
	return c.enc.Marshal(f)
}

func (c cborCodec) DecodeFrame(b []byte) (Frame, error) {
	var f cborFrame
	if err := c.dec.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, ErrMissingEvent
	}
	return Frame{Event: f.Event, ID: f.ID, Data: f.Data}, nil
}

// unmarshalOptional treats an absent payload as the zero value.
func unmarshalOptional(fn func([]byte, any) error, data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return fn(data, v)
}
