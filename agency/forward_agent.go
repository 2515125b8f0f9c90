package agency

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/agency-relay/protocol"
	"github.com/mesmerverse/agency-relay/storage"
	"github.com/mesmerverse/agency-relay/wallet"
)

// ForwardAgent answers agency messages that carry no destination: it
// describes the agency and creates agents.
type ForwardAgent struct {
	agency *Agency
	signer *wallet.Signer

	*mailbox[[]byte, []byte]
}

// ForwardAgentDetails is the admin view of the forward agent.
type ForwardAgentDetails struct {
	DID         string `json:"did"`
	Verkey      string `json:"verkey"`
	Endpoint    string `json:"endpoint"`
	Agents      int    `json:"agents"`
	Connections int    `json:"connections"`
}

func newForwardAgent(a *Agency, signer *wallet.Signer) *ForwardAgent {
	f := &ForwardAgent{agency: a, signer: signer}
	f.mailbox = newMailbox("forward-agent", a.mailboxSize, f.handle)
	return f
}

func (f *ForwardAgent) DID() string    { return f.signer.DID() }
func (f *ForwardAgent) Verkey() string { return f.signer.Verkey() }

// Endpoint returns the agency's public details.
func (f *ForwardAgent) Endpoint() protocol.AgencyDetail {
	return protocol.AgencyDetail{
		DID:      f.signer.DID(),
		Verkey:   f.signer.Verkey(),
		Endpoint: f.agency.endpoint,
	}
}

func (f *ForwardAgent) Details() ForwardAgentDetails {
	agents, conns := f.agency.directory.Counts()
	return ForwardAgentDetails{
		DID:         f.signer.DID(),
		Verkey:      f.signer.Verkey(),
		Endpoint:    f.agency.endpoint,
		Agents:      agents,
		Connections: conns,
	}
}

func (f *ForwardAgent) handle(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return problemReport(nil, invalidMessage("%v", err))
	}

	log.Debug().
		Str("id", msg.ID).
		Str("type", string(msg.Type)).
		Msg("Forward agent handling message")

	switch msg.Type {
	case protocol.MessageTypeAgencyInfo:
		return reply(msg, protocol.MessageTypeAgencyDetail, f.Endpoint())
	case protocol.MessageTypeCreateAgent:
		return f.createAgent(ctx, msg)
	default:
		return problemReport(msg, unknownMessage(string(msg.Type)))
	}
}

func (f *ForwardAgent) createAgent(ctx context.Context, msg *protocol.Message) ([]byte, error) {
	var req protocol.CreateAgent
	if err := msg.Decode(&req); err != nil {
		return problemReport(msg, invalidMessage("%v", err))
	}
	if req.ForDID == "" || req.ForVerkey == "" {
		return problemReport(msg, invalidMessage("for_did and for_verkey are required"))
	}

	r, err := f.agency.router()
	if err != nil {
		return problemReport(msg, err)
	}

	info, err := f.agency.agentIdentity(req.ForVerkey)
	if err != nil {
		return problemReport(msg, internalError("create agent identity", err))
	}

	exists, err := f.agency.exists(ctx, info.DID)
	if err != nil {
		return problemReport(msg, internalError("agent lookup", err))
	}
	if exists {
		return problemReport(msg, &Error{Code: CodeAgentExists, Message: "agent already exists for " + req.ForDID})
	}

	rec := &storage.PairwiseRecord{
		Kind:        storage.KindAgent,
		OwnerVerkey: f.signer.Verkey(),
		MyDID:       info.DID,
		MyVerkey:    info.Verkey,
		TheirDID:    req.ForDID,
		TheirVerkey: req.ForVerkey,
	}
	if err := f.agency.store.SavePairwise(ctx, rec); err != nil {
		return problemReport(msg, internalError("save agent", err))
	}

	agent := f.agency.spawnAgent(info, rec)
	r.RegisterAgentRoute(info.DID, info.Verkey, agent)

	log.Info().
		Str("agent_did", info.DID).
		Str("for_did", req.ForDID).
		Msg("Agent created")

	return reply(msg, protocol.MessageTypeAgentCreated, protocol.AgentCreated{
		AgentDID:    info.DID,
		AgentVerkey: info.Verkey,
	})
}
