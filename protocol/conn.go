package protocol

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ConnMessageType identifies a message exchanged between pairwise
// connections hosted by the relay.
type ConnMessageType string

const (
	ConnMessageReceived ConnMessageType = "MESSAGE_RECEIVED"
	ConnMessageAck      ConnMessageType = "ACK"
)

// ConnMessage is a structured connection-protocol message.
type ConnMessage struct {
	Type      ConnMessageType `cbor:"1,keyasint" json:"type"`
	ID        string          `cbor:"2,keyasint" json:"id"`
	ThreadID  string          `cbor:"3,keyasint,omitempty" json:"thread_id,omitempty"`
	SenderDID string          `cbor:"4,keyasint,omitempty" json:"sender_did,omitempty"`
	Payload   []byte          `cbor:"5,keyasint,omitempty" json:"payload,omitempty"`
	SentAt    int64           `cbor:"6,keyasint" json:"sent_at"`
}

// NewConnMessage builds a connection message with a fresh id.
func NewConnMessage(t ConnMessageType, senderDID string, payload []byte) ConnMessage {
	return ConnMessage{
		Type:      t,
		ID:        uuid.NewString(),
		SenderDID: senderDID,
		Payload:   payload,
		SentAt:    time.Now().Unix(),
	}
}

// Ack acknowledges m, threading the response to it.
func (m ConnMessage) Ack(senderDID string) ConnMessage {
	ack := NewConnMessage(ConnMessageAck, senderDID, nil)
	ack.ThreadID = m.ID
	return ack
}

var (
	connEncMode cbor.EncMode
	connDecMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: the same message always produces the
	// same bytes.
	connEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	connDecMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalConn encodes a connection message to CBOR.
func MarshalConn(m ConnMessage) ([]byte, error) {
	return connEncMode.Marshal(m)
}

// UnmarshalConn decodes a CBOR connection message.
func UnmarshalConn(data []byte) (ConnMessage, error) {
	var m ConnMessage
	if err := connDecMode.Unmarshal(data, &m); err != nil {
		return ConnMessage{}, fmt.Errorf("failed to decode connection message: %w", err)
	}
	if m.Type == "" {
		return ConnMessage{}, fmt.Errorf("connection message has no type")
	}
	return m, nil
}
