// Package middleware decorates request handlers with cross-cutting
// behavior such as logging and rate limiting.
package middleware

import (
	"context"

	"jrpc-mux/message"
)

// HandlerFunc turns one request message into its reply message.
type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

// Middleware wraps a handler with extra behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, applying the first outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
