package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mesmerverse/agency-relay/protocol"
)

func TestNATSIngressForward(t *testing.T) {
	rl, _ := newTestRelay(t, testConfig(t))
	in := natsIngress{router: rl.router, prefix: "agency"}

	msg, data := encodeMessage(t, protocol.MessageTypeCreateAgent,
		protocol.CreateAgent{ForDID: "client-did", ForVerkey: "client-verkey"})

	resp, code := in.handle(context.Background(), &NATSMessage{Subject: "agency.forward", Data: data})
	if code != "" {
		t.Fatalf("CREATE_AGENT failed with %s: %s", code, resp)
	}
	reply, err := protocol.ParseMessage(resp)
	if err != nil {
		t.Fatalf("Failed to parse reply: %v", err)
	}
	if reply.Type != protocol.MessageTypeAgentCreated || reply.ID != msg.ID {
		t.Fatalf("Unexpected reply %s %s", reply.Type, reply.ID)
	}
	var created protocol.AgentCreated
	if err := reply.Decode(&created); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}

	_, getConfigs := encodeMessage(t, protocol.MessageTypeGetConfigs, nil)
	resp, code = in.handle(context.Background(), &NATSMessage{
		Subject: "agency.forward",
		Data:    forward(t, created.AgentVerkey, getConfigs),
	})
	if code != "" {
		t.Fatalf("GET_CONFIGS failed with %s: %s", code, resp)
	}
}

func TestNATSIngressConnection(t *testing.T) {
	rl, srv := newTestRelay(t, testConfig(t))
	in := natsIngress{router: rl.router, prefix: "agency"}

	var created protocol.AgentCreated
	send(t, srv, "", protocol.MessageTypeCreateAgent,
		protocol.CreateAgent{ForDID: "client-did", ForVerkey: "client-verkey"},
		protocol.MessageTypeAgentCreated, &created)
	var key protocol.KeyCreated
	send(t, srv, created.AgentDID, protocol.MessageTypeCreateKey,
		protocol.CreateKey{ForDID: "peer-did", ForVerkey: "peer-verkey"},
		protocol.MessageTypeKeyCreated, &key)

	cm := protocol.NewConnMessage(protocol.ConnMessageReceived, "peer-did", []byte("hello"))
	data, err := protocol.MarshalConn(cm)
	if err != nil {
		t.Fatalf("MarshalConn failed: %v", err)
	}

	resp, code := in.handle(context.Background(), &NATSMessage{Subject: "agency.conn." + key.WithPairwiseDID, Data: data})
	if code != "" {
		t.Fatalf("Connection message failed with %s: %s", code, resp)
	}
	ack, err := protocol.UnmarshalConn(resp)
	if err != nil {
		t.Fatalf("UnmarshalConn failed: %v", err)
	}
	if ack.Type != protocol.ConnMessageAck || ack.ThreadID != cm.ID || ack.SenderDID != key.WithPairwiseDID {
		t.Errorf("Unexpected ack %+v", ack)
	}

	var msgs protocol.Msgs
	send(t, srv, key.WithPairwiseDID, protocol.MessageTypeGetMsgs, nil, protocol.MessageTypeMsgs, &msgs)
	if len(msgs.Msgs) != 1 || string(msgs.Msgs[0].Msg) != "hello" {
		t.Errorf("Unexpected inbox %+v", msgs.Msgs)
	}
}

func TestNATSIngressErrors(t *testing.T) {
	rl, _ := newTestRelay(t, testConfig(t))
	in := natsIngress{router: rl.router, prefix: "agency"}

	_, getConfigs := encodeMessage(t, protocol.MessageTypeGetConfigs, nil)
	cm, err := protocol.MarshalConn(protocol.NewConnMessage(protocol.ConnMessageReceived, "peer", nil))
	if err != nil {
		t.Fatalf("MarshalConn failed: %v", err)
	}

	tests := []struct {
		name    string
		subject string
		data    []byte
		code    string
	}{
		{"bad envelope", "agency.forward", []byte("{"), CodeInvalidEnvelope},
		{"unknown agent", "agency.forward", forward(t, "unknown-did", getConfigs), CodeNoRoute},
		{"bad connection message", "agency.conn.some-did", []byte("not cbor"), CodeInvalidEnvelope},
		{"unknown connection", "agency.conn.unknown-did", cm, CodeNoRoute},
		{"unexpected subject", "agency.other", getConfigs, CodeInvalidEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, code := in.handle(context.Background(), &NATSMessage{Subject: tt.subject, Data: tt.data})
			if code != tt.code {
				t.Fatalf("Code = %q, want %q (%s)", code, tt.code, resp)
			}
			var body ErrorBody
			if err := json.Unmarshal(resp, &body); err != nil {
				t.Fatalf("Error reply is not JSON: %v", err)
			}
			if body.Error.Code != tt.code {
				t.Errorf("Body code = %q, want %q", body.Error.Code, tt.code)
			}
		})
	}
}

func TestNATSSubjects(t *testing.T) {
	in := natsIngress{prefix: "relay"}
	if got := in.forwardSubject(); got != "relay.forward" {
		t.Errorf("forwardSubject() = %q", got)
	}
	if got := in.connWildcard(); got != "relay.conn.*" {
		t.Errorf("connWildcard() = %q", got)
	}
}
