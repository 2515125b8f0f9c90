package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/agency-relay/protocol"
)

// Handler returns the relay's HTTP surface.
func (rl *Relay) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", rl.health.handleHealth)
	r.Get("/ready", rl.health.handleReady)
	r.Get("/metrics", rl.health.handleMetrics)

	r.Route(rl.config.Prefix(), func(api chi.Router) {
		api.Get("/", rl.handleEndpoint)
		api.Post("/msg", rl.handleMsg)
	})

	if rl.config.Admin.Enabled {
		r.Route("/admin", func(admin chi.Router) {
			admin.Get("/", rl.handleSnapshot)
			admin.Get("/forward-agent", rl.handleForwardAgent)
			admin.Get("/agent/{did}", rl.handleAgent)
			admin.Get("/agent-connection/{did}", rl.handleAgentConnection)
		})
	}

	return r
}

// handleEndpoint returns the forward agent's public details.
func (rl *Relay) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rl.agency.ForwardAgent().Endpoint())
}

// handleMsg accepts one inbound envelope. Forward envelopes go to the
// agent route of their destination, anything else to the forward agent.
func (rl *Relay) handleMsg(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rl.config.Server.MaxPayload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "message exceeds the maximum payload size")
			return
		}
		writeError(w, http.StatusBadRequest, CodeInvalidEnvelope, "failed to read request body")
		return
	}

	env, err := protocol.DecodeEnvelope(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidEnvelope, sanitizeErrorForClient(err.Error()))
		return
	}

	var resp []byte
	if env.Addressed() {
		resp, err = rl.router.RouteAgentMessage(r.Context(), env.Destination, env.Payload)
	} else {
		resp, err = rl.router.RouteToDefault(r.Context(), env.Payload)
	}
	if err != nil {
		status, code, message := classifyRouteError(err)
		log.Warn().
			Err(err).
			Str("destination", env.Destination).
			Int("status", status).
			Msg("Failed to route message")
		writeError(w, status, code, message)
		return
	}

	writeReply(w, resp)
}

func (rl *Relay) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rl.router.Snapshot())
}

func (rl *Relay) handleForwardAgent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rl.agency.ForwardAgent().Details())
}

func (rl *Relay) handleAgent(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	agent, ok := rl.agency.Directory().Agent(did)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent.Details())
}

func (rl *Relay) handleAgentConnection(w http.ResponseWriter, r *http.Request) {
	did := chi.URLParam(r, "did")
	conn, ok := rl.agency.Directory().Connection(did)
	if !ok {
		writeError(w, http.StatusNotFound, CodeNotFound, "agent connection not found")
		return
	}
	writeJSON(w, http.StatusOK, conn.Details())
}

// writeReply writes a handler reply. Agency replies are JSON; forwarded
// payloads are opaque.
func writeReply(w http.ResponseWriter, resp []byte) {
	if json.Valid(resp) {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	requestID := newRequestID()
	w.Header().Set("X-Request-Id", requestID)
	writeJSON(w, status, ErrorBody{
		RequestID: requestID,
		Error:     ErrorDetail{Code: code, Message: message},
	})
}

func newRequestID() string {
	return "req_" + uuid.NewString()
}
