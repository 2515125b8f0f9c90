package agency

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/agency-relay/protocol"
	"github.com/mesmerverse/agency-relay/router"
	"github.com/mesmerverse/agency-relay/storage"
	"github.com/mesmerverse/agency-relay/wallet"
)

// Message statuses
const (
	StatusPendingRemote = "MS-101" // peer not hosted here
	StatusSent          = "MS-102"
	StatusReceived      = "MS-103"
)

// AgentConnection is one pairwise connection of an agent. It serves the
// agent route for its DID (client requests) and the connection route
// (messages from peer connections). The two run in separate mailboxes so
// that two connections sending to each other cannot deadlock.
type AgentConnection struct {
	agency      *Agency
	did         string
	verkey      string
	agentDID    string
	theirDID    string
	theirVerkey string

	mu   sync.RWMutex
	msgs []protocol.StoredMsg

	*mailbox[[]byte, []byte]
	conn *mailbox[protocol.ConnMessage, protocol.ConnMessage]
}

// ConnectionDetails is the admin view of an agent connection.
type ConnectionDetails struct {
	DID         string `json:"did"`
	Verkey      string `json:"verkey"`
	AgentDID    string `json:"agent_did"`
	TheirDID    string `json:"their_did"`
	TheirVerkey string `json:"their_verkey"`
	Messages    int    `json:"messages"`
}

func newAgentConnection(a *Agency, info wallet.DIDInfo, rec *storage.PairwiseRecord) *AgentConnection {
	c := &AgentConnection{
		agency:      a,
		did:         info.DID,
		verkey:      info.Verkey,
		agentDID:    rec.AgentDID,
		theirDID:    rec.TheirDID,
		theirVerkey: rec.TheirVerkey,
	}
	c.mailbox = newMailbox("agent-connection:"+info.DID, a.mailboxSize, c.handle)
	c.conn = newMailbox("connection:"+info.DID, a.mailboxSize, c.handleConn)
	return c
}

func (c *AgentConnection) DID() string        { return c.did }
func (c *AgentConnection) Verkey() string     { return c.verkey }
func (c *AgentConnection) AgentDID() string   { return c.agentDID }
func (c *AgentConnection) Kind() storage.Kind { return storage.KindConnection }

// ConnectionHandler returns the handler for the connection route.
func (c *AgentConnection) ConnectionHandler() router.ConnectionHandler {
	return c.conn
}

// Stop stops both mailboxes.
func (c *AgentConnection) Stop() {
	c.mailbox.Stop()
	c.conn.Stop()
}

func (c *AgentConnection) Details() ConnectionDetails {
	c.mu.RLock()
	n := len(c.msgs)
	c.mu.RUnlock()

	return ConnectionDetails{
		DID:         c.did,
		Verkey:      c.verkey,
		AgentDID:    c.agentDID,
		TheirDID:    c.theirDID,
		TheirVerkey: c.theirVerkey,
		Messages:    n,
	}
}

func (c *AgentConnection) handle(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return problemReport(nil, invalidMessage("%v", err))
	}

	log.Debug().
		Str("pairwise_did", c.did).
		Str("id", msg.ID).
		Str("type", string(msg.Type)).
		Msg("Agent connection handling message")

	switch msg.Type {
	case protocol.MessageTypeSendMsg:
		return c.sendMsg(ctx, msg)
	case protocol.MessageTypeGetMsgs:
		return c.getMsgs(msg)
	default:
		return problemReport(msg, unknownMessage(string(msg.Type)))
	}
}

// sendMsg delivers to the peer connection when it is hosted by this
// relay and otherwise keeps the message as pending for the remote side.
func (c *AgentConnection) sendMsg(ctx context.Context, msg *protocol.Message) ([]byte, error) {
	var req protocol.SendMsg
	if err := msg.Decode(&req); err != nil {
		return problemReport(msg, invalidMessage("%v", err))
	}
	if len(req.Msg) == 0 {
		return problemReport(msg, invalidMessage("msg is required"))
	}

	r, err := c.agency.router()
	if err != nil {
		return problemReport(msg, err)
	}

	out := protocol.NewConnMessage(protocol.ConnMessageReceived, c.did, req.Msg)
	status := StatusSent

	ack, err := r.RouteConnectionMessage(ctx, c.theirDID, out)
	if errors.Is(err, router.ErrNoRoute) || errors.Is(err, router.ErrHandlerTerminated) {
		ack, err = c.restorePeer(ctx, r, out)
	}

	var restoreErr *router.RestorationError
	switch {
	case err == nil:
		if ack.ThreadID != out.ID {
			log.Warn().
				Str("pairwise_did", c.did).
				Str("msg_id", out.ID).
				Str("thread_id", ack.ThreadID).
				Msg("Peer acknowledged a different message")
		}
	case errors.As(err, &restoreErr):
		return problemReport(msg, internalError("restore peer connection", err))
	case errors.Is(err, router.ErrNoRoute):
		status = StatusPendingRemote
	default:
		return problemReport(msg, internalError("deliver message", err))
	}

	c.addMsg(protocol.StoredMsg{
		UID:       out.ID,
		SenderDID: c.did,
		Status:    status,
		Msg:       req.Msg,
		CreatedAt: out.SentAt,
	})

	log.Info().
		Str("pairwise_did", c.did).
		Str("their_did", c.theirDID).
		Str("uid", out.ID).
		Str("status", status).
		Msg("Message sent")

	return reply(msg, protocol.MessageTypeMsgSent, protocol.MsgSent{UID: out.ID, Status: status})
}

// restorePeer rebuilds a peer connection hosted by this relay whose
// connection route is missing or stale, then retries delivery once.
// Restoring the peer's agent route re-registers its connection route.
// A peer with no record here stays a *router.NoRouteError.
func (c *AgentConnection) restorePeer(ctx context.Context, r Registrar, out protocol.ConnMessage) (protocol.ConnMessage, error) {
	if err := r.RestoreAgentRoute(ctx, c.theirDID); err != nil {
		return protocol.ConnMessage{}, err
	}

	log.Debug().
		Str("pairwise_did", c.did).
		Str("their_did", c.theirDID).
		Msg("Peer connection restored, retrying delivery")

	return r.RouteConnectionMessage(ctx, c.theirDID, out)
}

func (c *AgentConnection) getMsgs(msg *protocol.Message) ([]byte, error) {
	var req protocol.GetMsgs
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&req); err != nil {
			return problemReport(msg, invalidMessage("%v", err))
		}
	}

	c.mu.RLock()
	msgs := make([]protocol.StoredMsg, 0, len(c.msgs))
	for _, m := range c.msgs {
		if req.Status == "" || m.Status == req.Status {
			msgs = append(msgs, m)
		}
	}
	c.mu.RUnlock()

	return reply(msg, protocol.MessageTypeMsgs, protocol.Msgs{Msgs: msgs})
}

// handleConn serves the connection route.
func (c *AgentConnection) handleConn(ctx context.Context, msg protocol.ConnMessage) (protocol.ConnMessage, error) {
	switch msg.Type {
	case protocol.ConnMessageReceived:
		uid := msg.ID
		if uid == "" {
			uid = uuid.NewString()
		}
		c.addMsg(protocol.StoredMsg{
			UID:       uid,
			SenderDID: msg.SenderDID,
			Status:    StatusReceived,
			Msg:       msg.Payload,
			CreatedAt: msg.SentAt,
		})

		log.Debug().
			Str("pairwise_did", c.did).
			Str("sender_did", msg.SenderDID).
			Str("uid", uid).
			Msg("Message received")

		return msg.Ack(c.did), nil
	default:
		return protocol.ConnMessage{}, fmt.Errorf("unsupported connection message type: %s", msg.Type)
	}
}

func (c *AgentConnection) addMsg(m protocol.StoredMsg) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}
