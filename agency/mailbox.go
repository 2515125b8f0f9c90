package agency

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultMailboxSize is the inbox capacity of each entity.
const DefaultMailboxSize = 64

type envelope[Req, Resp any] struct {
	ctx   context.Context
	req   Req
	reply chan result[Resp]
}

type result[Resp any] struct {
	resp Resp
	err  error
}

// mailbox runs one goroutine that processes requests in arrival order.
// It implements router.Handler and router.Terminable.
type mailbox[Req, Resp any] struct {
	name   string
	inbox  chan envelope[Req, Resp]
	done   chan struct{}
	handle func(ctx context.Context, req Req) (Resp, error)

	stopOnce sync.Once
}

func newMailbox[Req, Resp any](name string, size int, handle func(context.Context, Req) (Resp, error)) *mailbox[Req, Resp] {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	m := &mailbox[Req, Resp]{
		name:   name,
		inbox:  make(chan envelope[Req, Resp], size),
		done:   make(chan struct{}),
		handle: handle,
	}
	go m.run()
	return m
}

func (m *mailbox[Req, Resp]) run() {
	for {
		select {
		case <-m.done:
			return
		case env := <-m.inbox:
			if env.ctx.Err() != nil {
				// Sender gave up before we got to it
				env.reply <- result[Resp]{err: env.ctx.Err()}
				continue
			}
			resp, err := m.handle(env.ctx, env.req)
			env.reply <- result[Resp]{resp: resp, err: err}
		}
	}
}

// Handle queues req and waits for the response.
func (m *mailbox[Req, Resp]) Handle(ctx context.Context, req Req) (Resp, error) {
	var zero Resp
	reply := make(chan result[Resp], 1)

	select {
	case <-m.done:
		return zero, ErrTerminated
	default:
	}

	select {
	case m.inbox <- envelope[Req, Resp]{ctx: ctx, req: req, reply: reply}:
	case <-m.done:
		return zero, ErrTerminated
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.resp, res.err
	case <-m.done:
		return zero, ErrTerminated
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Done is closed once the mailbox stops accepting requests.
func (m *mailbox[Req, Resp]) Done() <-chan struct{} {
	return m.done
}

// Stop terminates the mailbox goroutine. Queued requests fail with
// ErrTerminated.
func (m *mailbox[Req, Resp]) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		log.Debug().Str("entity", m.name).Msg("Mailbox stopped")
	})
}
