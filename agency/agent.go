package agency

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/agency-relay/protocol"
	"github.com/mesmerverse/agency-relay/storage"
	"github.com/mesmerverse/agency-relay/wallet"
)

// Agent is the cloud agent created for one client DID. It creates the
// client's pairwise connections and holds its configuration.
type Agent struct {
	agency    *Agency
	did       string
	verkey    string
	forDID    string
	forVerkey string

	mu      sync.RWMutex
	record  storage.PairwiseRecord
	configs map[string]string

	*mailbox[[]byte, []byte]
}

// AgentDetails is the admin view of an agent.
type AgentDetails struct {
	DID         string            `json:"did"`
	Verkey      string            `json:"verkey"`
	ForDID      string            `json:"for_did"`
	ForVerkey   string            `json:"for_verkey"`
	Configs     map[string]string `json:"configs"`
	Connections []string          `json:"connections"`
}

func newAgent(a *Agency, info wallet.DIDInfo, rec *storage.PairwiseRecord) *Agent {
	agent := &Agent{
		agency:    a,
		did:       info.DID,
		verkey:    info.Verkey,
		forDID:    rec.TheirDID,
		forVerkey: rec.TheirVerkey,
		record:    *rec,
		configs:   copyConfigs(rec.Metadata),
	}
	agent.mailbox = newMailbox("agent:"+info.DID, a.mailboxSize, agent.handle)
	return agent
}

func (ag *Agent) DID() string        { return ag.did }
func (ag *Agent) Verkey() string     { return ag.verkey }
func (ag *Agent) Kind() storage.Kind { return storage.KindAgent }

func (ag *Agent) Details() AgentDetails {
	ag.mu.RLock()
	configs := copyConfigs(ag.configs)
	ag.mu.RUnlock()

	return AgentDetails{
		DID:         ag.did,
		Verkey:      ag.verkey,
		ForDID:      ag.forDID,
		ForVerkey:   ag.forVerkey,
		Configs:     configs,
		Connections: ag.agency.directory.ConnectionsOf(ag.did),
	}
}

func (ag *Agent) handle(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return problemReport(nil, invalidMessage("%v", err))
	}

	log.Debug().
		Str("agent_did", ag.did).
		Str("id", msg.ID).
		Str("type", string(msg.Type)).
		Msg("Agent handling message")

	switch msg.Type {
	case protocol.MessageTypeCreateKey:
		return ag.createKey(ctx, msg)
	case protocol.MessageTypeUpdateConfigs:
		return ag.updateConfigs(ctx, msg)
	case protocol.MessageTypeGetConfigs:
		ag.mu.RLock()
		configs := copyConfigs(ag.configs)
		ag.mu.RUnlock()
		return reply(msg, protocol.MessageTypeConfigs, protocol.Configs{Configs: configs})
	default:
		return problemReport(msg, unknownMessage(string(msg.Type)))
	}
}

func (ag *Agent) createKey(ctx context.Context, msg *protocol.Message) ([]byte, error) {
	var req protocol.CreateKey
	if err := msg.Decode(&req); err != nil {
		return problemReport(msg, invalidMessage("%v", err))
	}
	if req.ForDID == "" || req.ForVerkey == "" {
		return problemReport(msg, invalidMessage("for_did and for_verkey are required"))
	}

	r, err := ag.agency.router()
	if err != nil {
		return problemReport(msg, err)
	}

	info, err := ag.agency.connectionIdentity(ag.did, req.ForVerkey)
	if err != nil {
		return problemReport(msg, internalError("create connection identity", err))
	}

	exists, err := ag.agency.exists(ctx, info.DID)
	if err != nil {
		return problemReport(msg, internalError("connection lookup", err))
	}
	if exists {
		return problemReport(msg, &Error{Code: CodeConnectionExists, Message: "connection already exists for " + req.ForDID})
	}

	rec := &storage.PairwiseRecord{
		Kind:        storage.KindConnection,
		OwnerVerkey: ag.agency.forward.Verkey(),
		MyDID:       info.DID,
		MyVerkey:    info.Verkey,
		TheirDID:    req.ForDID,
		TheirVerkey: req.ForVerkey,
		AgentDID:    ag.did,
	}
	if err := ag.agency.store.SavePairwise(ctx, rec); err != nil {
		return problemReport(msg, internalError("save connection", err))
	}

	conn := ag.agency.spawnConnection(info, rec)
	r.RegisterAgentRoute(info.DID, info.Verkey, conn)
	r.RegisterConnectionRoute(info.DID, info.Verkey, conn.ConnectionHandler())

	log.Info().
		Str("agent_did", ag.did).
		Str("pairwise_did", info.DID).
		Str("for_did", req.ForDID).
		Msg("Agent connection created")

	return reply(msg, protocol.MessageTypeKeyCreated, protocol.KeyCreated{
		WithPairwiseDID:    info.DID,
		WithPairwiseVerkey: info.Verkey,
	})
}

// updateConfigs merges the new entries and persists them with the
// agent's pairwise record.
func (ag *Agent) updateConfigs(ctx context.Context, msg *protocol.Message) ([]byte, error) {
	var req protocol.UpdateConfigs
	if err := msg.Decode(&req); err != nil {
		return problemReport(msg, invalidMessage("%v", err))
	}

	ag.mu.Lock()
	defer ag.mu.Unlock()

	merged := copyConfigs(ag.configs)
	for k, v := range req.Configs {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	rec := ag.record
	rec.Metadata = merged
	if err := ag.agency.store.SavePairwise(ctx, &rec); err != nil {
		return problemReport(msg, internalError("save configs", err))
	}
	ag.record = rec
	ag.configs = merged

	log.Info().
		Str("agent_did", ag.did).
		Int("configs", len(merged)).
		Msg("Agent configs updated")

	return reply(msg, protocol.MessageTypeConfigs, protocol.Configs{Configs: copyConfigs(merged)})
}
