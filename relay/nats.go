package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/agency-relay/protocol"
	"github.com/mesmerverse/agency-relay/router"
)

// NATS subjects, relative to nats.subject_prefix:
//
//	{prefix}.forward      request/reply carrying envelopes, same as POST {prefix}/msg
//	{prefix}.conn.<did>   CBOR connection messages for the connection route of <did>
const (
	forwardSubject = "forward"
	connSubject    = "conn"
)

// natsIngress turns NATS requests into router calls.
type natsIngress struct {
	router *router.Router
	prefix string
}

func (in natsIngress) forwardSubject() string { return in.prefix + "." + forwardSubject }
func (in natsIngress) connWildcard() string   { return in.prefix + "." + connSubject + ".*" }

// routeNATS subscribes to the relay subjects and dispatches messages on
// a fixed pool of workers until ctx is cancelled.
func (rl *Relay) routeNATS(ctx context.Context, client *NATSClient) error {
	in := natsIngress{router: rl.router, prefix: rl.config.NATS.SubjectPrefix}

	queueSize := rl.config.NATS.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	workers := rl.config.NATS.Workers
	if workers <= 0 {
		workers = 1
	}

	msgChan := make(chan *NATSMessage, queueSize)

	for _, subject := range []string{in.forwardSubject(), in.connWildcard()} {
		if err := client.Subscribe(subject, msgChan); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
	}
	log.Info().
		Str("prefix", in.prefix).
		Int("workers", workers).
		Msg("Subscribed to relay subjects")

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-msgChan:
					data, code := in.handle(ctx, msg)
					if msg.Reply == "" {
						continue
					}
					if err := client.Respond(msg.Reply, data, code); err != nil {
						log.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to publish reply")
					}
				}
			}
		}()
	}

	wg.Wait()
	return nil
}

// handle routes one message and returns the reply body plus an error code
// when routing failed. Error bodies are JSON ErrorBody values.
func (in natsIngress) handle(ctx context.Context, msg *NATSMessage) ([]byte, string) {
	switch {
	case msg.Subject == in.forwardSubject():
		return in.handleForward(ctx, msg)
	case strings.HasPrefix(msg.Subject, in.prefix+"."+connSubject+"."):
		did := strings.TrimPrefix(msg.Subject, in.prefix+"."+connSubject+".")
		return in.handleConn(ctx, did, msg)
	default:
		return natsError(CodeInvalidEnvelope, "unexpected subject "+sanitizeErrorForClient(msg.Subject))
	}
}

func (in natsIngress) handleForward(ctx context.Context, msg *NATSMessage) ([]byte, string) {
	env, err := protocol.DecodeEnvelope(msg.Data)
	if err != nil {
		return natsError(CodeInvalidEnvelope, sanitizeErrorForClient(err.Error()))
	}

	var resp []byte
	if env.Addressed() {
		resp, err = in.router.RouteAgentMessage(ctx, env.Destination, env.Payload)
	} else {
		resp, err = in.router.RouteToDefault(ctx, env.Payload)
	}
	if err != nil {
		return routeFailure(err, msg.Subject, env.Destination)
	}
	return resp, ""
}

func (in natsIngress) handleConn(ctx context.Context, did string, msg *NATSMessage) ([]byte, string) {
	cm, err := protocol.UnmarshalConn(msg.Data)
	if err != nil {
		return natsError(CodeInvalidEnvelope, sanitizeErrorForClient(err.Error()))
	}

	ack, err := in.router.RouteConnectionMessage(ctx, did, cm)
	if err != nil {
		return routeFailure(err, msg.Subject, did)
	}

	data, err := protocol.MarshalConn(ack)
	if err != nil {
		log.Error().Err(err).Str("did", did).Msg("Failed to encode connection reply")
		return natsError(CodeInternal, "internal error")
	}
	return data, ""
}

func routeFailure(err error, subject, destination string) ([]byte, string) {
	_, code, message := classifyRouteError(err)
	log.Warn().
		Err(err).
		Str("subject", subject).
		Str("destination", destination).
		Msg("Failed to route NATS message")
	return natsError(code, message)
}

func natsError(code, message string) ([]byte, string) {
	data, _ := json.Marshal(ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
	return data, code
}
