package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"jrpc-mux/message"
)

// Logging reports every dispatched request with its method, duration and
// outcome kind.
func Logging() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			reply := next(ctx, req)
			ev := log.Debug().Str("method", req.Method).Dur("duration", time.Since(start))
			if reply != nil {
				ev = ev.Stringer("kind", reply.Kind)
			}
			ev.Msg("request dispatched")
			return reply
		}
	}
}
