package main

import (
	"context"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/mesmerverse/agency-relay/router"
)

// Error codes returned to transport clients
const (
	CodeInvalidEnvelope = "INVALID_ENVELOPE"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeNoRoute         = "NO_ROUTE"
	CodeDeliveryFailed  = "DELIVERY_FAILED"
	CodeDeliveryTimeout = "DELIVERY_TIMEOUT"
	CodeNotFound        = "NOT_FOUND"
	CodeInternal        = "INTERNAL_ERROR"
)

// ErrorBody is the error envelope written by the HTTP and NATS transports.
type ErrorBody struct {
	RequestID string      `json:"request_id,omitempty"`
	Error     ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classifyRouteError maps a router failure to a status and a client-safe
// code and message. Handler errors are not passed through.
func classifyRouteError(err error) (status int, code, message string) {
	var noRoute *router.NoRouteError
	switch {
	case errors.As(err, &noRoute):
		return http.StatusNotFound, CodeNoRoute, "no route for " + sanitizeErrorForClient(noRoute.Identity)
	case errors.Is(err, router.ErrDeliveryFailed) && errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeDeliveryTimeout, "destination did not respond in time"
	case errors.Is(err, router.ErrDeliveryFailed):
		return http.StatusBadGateway, CodeDeliveryFailed, "destination could not process the message"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeDeliveryTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, CodeInternal, "internal error"
	}
}

// sanitizeErrorForClient bounds error text echoed back to clients.
func sanitizeErrorForClient(msg string) string {
	if len(msg) <= 100 {
		return msg
	}
	i := 100
	for i > 0 && !utf8.RuneStart(msg[i]) {
		i--
	}
	return msg[:i] + "..."
}
