package router

import (
	"context"
	"errors"

	"github.com/mesmerverse/agency-relay/protocol"
	"github.com/mesmerverse/agency-relay/storage"
)

// Handler is a capability to deliver one kind of request to an
// independently running entity and wait for its result. The router
// holds handlers by reference and never manages their lifetime.
type Handler[Req, Resp any] interface {
	Handle(ctx context.Context, req Req) (Resp, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

func (f HandlerFunc[Req, Resp]) Handle(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// AgentHandler accepts opaque agent-addressed payloads.
type AgentHandler = Handler[[]byte, []byte]

// ConnectionHandler accepts structured pairwise-connection messages.
type ConnectionHandler = Handler[protocol.ConnMessage, protocol.ConnMessage]

// DefaultHandler accepts identity-less agency messages.
type DefaultHandler = Handler[[]byte, []byte]

// Terminable is implemented by handlers whose entity can stop. Done is
// closed once the entity will no longer accept requests.
type Terminable interface {
	Done() <-chan struct{}
}

// ErrHandlerTerminated is returned by handlers whose entity has stopped.
var ErrHandlerTerminated = errors.New("handler terminated")

// ConnectionStore is the durable store queried on an agent-route miss.
type ConnectionStore interface {
	FindPairwise(ctx context.Context, req storage.LookupRequest) (*storage.PairwiseRecord, error)
}

// Restorer rebuilds a live agent handler from a persisted record.
type Restorer interface {
	Restore(ctx context.Context, rec *storage.PairwiseRecord) (AgentHandler, error)
}

// RestorerFunc adapts a function to Restorer.
type RestorerFunc func(ctx context.Context, rec *storage.PairwiseRecord) (AgentHandler, error)

func (f RestorerFunc) Restore(ctx context.Context, rec *storage.PairwiseRecord) (AgentHandler, error) {
	return f(ctx, rec)
}

// terminated reports whether h is known to have stopped.
func terminated(h any) bool {
	t, ok := h.(Terminable)
	if !ok {
		return false
	}
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}
