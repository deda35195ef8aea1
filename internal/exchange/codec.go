package exchange

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelope frames every peer message.
type Envelope struct {
	Type    string          `cbor:"type"`
	Payload cbor.RawMessage `cbor:"payload"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// core deterministic encoding: identical messages give identical frames
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("exchange: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("exchange: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode frames payload as a msgType message.
func Encode(msgType string, payload any) ([]byte, error) {
	body, err := encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return encMode.Marshal(Envelope{Type: msgType, Payload: body})
}

// Decode reads the envelope of a frame; the payload stays raw.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Unmarshal decodes the envelope payload into v.
func (e Envelope) Unmarshal(v any) error {
	if err := decMode.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
