// Package protocol defines the wire types exchanged by the relay: the
// forward envelope accepted from transports, the JSON agent/agency
// messages carried inside it, and the CBOR-encoded connection messages
// passed between pairwise connections.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ForwardType is the message type of a routing envelope.
const ForwardType = "did:sov:BzCbsNYhMrjHiqZDTUASHg;spec/routing/1.0/forward"

// MaxEnvelopeSize bounds the size of an inbound envelope.
const MaxEnvelopeSize = 105_906_176

var (
	ErrEmptyEnvelope   = errors.New("empty envelope")
	ErrMissingFwd      = errors.New("forward envelope has no destination")
	ErrMissingPayload  = errors.New("forward envelope has no payload")
	ErrEnvelopeTooLong = errors.New("envelope exceeds maximum size")
)

// Forward is an envelope whose payload is opaque to the relay and is
// addressed to a destination identity (a DID or a verkey).
type Forward struct {
	Type string `json:"@type"`
	To   string `json:"@fwd"`
	Msg  []byte `json:"@msg"`
}

// NewForward builds a forward envelope for payload addressed to identity.
func NewForward(identity string, payload []byte) *Forward {
	return &Forward{Type: ForwardType, To: identity, Msg: payload}
}

// Encode serializes the envelope.
func (f *Forward) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Envelope is a decoded inbound message. Destination is empty for
// identity-less agency traffic, in which case Payload is the full
// inbound message.
type Envelope struct {
	Destination string
	Payload     []byte
}

// Addressed reports whether the envelope carries a destination identity.
func (e Envelope) Addressed() bool {
	return e.Destination != ""
}

// DecodeEnvelope inspects an inbound message. Forward envelopes are
// unwrapped to their destination and payload; any other JSON object is
// returned unaddressed so it can go to the default handler.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, ErrEmptyEnvelope
	}
	if len(data) > MaxEnvelopeSize {
		return Envelope{}, ErrEnvelopeTooLong
	}

	var probe struct {
		Type string `json:"@type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Envelope{}, fmt.Errorf("failed to parse envelope: %w", err)
	}

	if !isForwardType(probe.Type) {
		return Envelope{Payload: data}, nil
	}

	var fwd Forward
	if err := json.Unmarshal(data, &fwd); err != nil {
		return Envelope{}, fmt.Errorf("failed to parse forward envelope: %w", err)
	}
	fwd.To = strings.TrimSpace(fwd.To)
	if fwd.To == "" {
		return Envelope{}, ErrMissingFwd
	}
	if len(fwd.Msg) == 0 {
		return Envelope{}, ErrMissingPayload
	}

	return Envelope{Destination: fwd.To, Payload: fwd.Msg}, nil
}

// isForwardType accepts both the fully qualified type and the short
// "forward" alias some clients send.
func isForwardType(t string) bool {
	return t == ForwardType || strings.EqualFold(t, "forward") || strings.HasSuffix(t, "/routing/1.0/forward")
}
