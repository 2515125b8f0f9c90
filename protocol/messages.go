package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MessageType identifies an agency or agent message.
type MessageType string

const (
	// Agency level (default handler)
	MessageTypeAgencyInfo   MessageType = "AGENCY_INFO"
	MessageTypeAgencyDetail MessageType = "AGENCY_DETAIL"
	MessageTypeCreateAgent  MessageType = "CREATE_AGENT"
	MessageTypeAgentCreated MessageType = "AGENT_CREATED"

	// Agent level
	MessageTypeCreateKey     MessageType = "CREATE_KEY"
	MessageTypeKeyCreated    MessageType = "KEY_CREATED"
	MessageTypeUpdateConfigs MessageType = "UPDATE_CONFIGS"
	MessageTypeGetConfigs    MessageType = "GET_CONFIGS"
	MessageTypeConfigs       MessageType = "CONFIGS"

	// Agent connection level
	MessageTypeSendMsg MessageType = "SEND_MSG"
	MessageTypeMsgSent MessageType = "MSG_SENT"
	MessageTypeGetMsgs MessageType = "GET_MSGS"
	MessageTypeMsgs    MessageType = "MSGS"

	MessageTypeProblemReport MessageType = "PROBLEM_REPORT"
)

// Message is the JSON body of an agency or agent message.
type Message struct {
	Type    MessageType     `json:"@type"`
	ID      string          `json:"@id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with a fresh id and a JSON-encoded payload.
func NewMessage(t MessageType, payload any) (*Message, error) {
	msg := &Message{Type: t, ID: uuid.NewString()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Reply builds a response to m, keeping its id so callers can correlate.
func (m *Message) Reply(t MessageType, payload any) (*Message, error) {
	reply, err := NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	reply.ID = m.ID
	return reply, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", m.Type, err)
	}
	return nil
}

// Encode serializes the message.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage decodes a message body.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no @type")
	}
	return &msg, nil
}

// --- Agency payloads ---

// AgencyDetail is the response to AGENCY_INFO.
type AgencyDetail struct {
	DID      string `json:"did"`
	Verkey   string `json:"verkey"`
	Endpoint string `json:"endpoint"`
}

// CreateAgent asks the agency to create an agent for the caller's DID.
type CreateAgent struct {
	ForDID    string `json:"for_did"`
	ForVerkey string `json:"for_verkey"`
}

// AgentCreated is the response to CREATE_AGENT.
type AgentCreated struct {
	AgentDID    string `json:"agent_did"`
	AgentVerkey string `json:"agent_verkey"`
}

// --- Agent payloads ---

// CreateKey asks an agent to create a pairwise connection for a peer.
type CreateKey struct {
	ForDID    string `json:"for_did"`
	ForVerkey string `json:"for_verkey"`
}

// KeyCreated is the response to CREATE_KEY.
type KeyCreated struct {
	WithPairwiseDID    string `json:"with_pairwise_did"`
	WithPairwiseVerkey string `json:"with_pairwise_verkey"`
}

// UpdateConfigs replaces agent configuration entries.
type UpdateConfigs struct {
	Configs map[string]string `json:"configs"`
}

// Configs is the response to GET_CONFIGS and UPDATE_CONFIGS.
type Configs struct {
	Configs map[string]string `json:"configs"`
}

// --- Agent connection payloads ---

// SendMsg asks an agent connection to deliver a message to its peer.
type SendMsg struct {
	Msg []byte `json:"msg"`
}

// MsgSent is the response to SEND_MSG.
type MsgSent struct {
	UID    string `json:"uid"`
	Status string `json:"status"`
}

// GetMsgs lists messages held by an agent connection, optionally
// filtered by status.
type GetMsgs struct {
	Status string `json:"status,omitempty"`
}

// StoredMsg is one message held by an agent connection.
type StoredMsg struct {
	UID       string `json:"uid"`
	SenderDID string `json:"sender_did"`
	Status    string `json:"status"`
	Msg       []byte `json:"msg"`
	CreatedAt int64  `json:"created_at"`
}

// Msgs is the response to GET_MSGS.
type Msgs struct {
	Msgs []StoredMsg `json:"msgs"`
}

// ProblemReport carries an agency error back to the caller.
type ProblemReport struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
