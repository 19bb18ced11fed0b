package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"jrpc-mux/message"
)

// RateLimit applies a token bucket to request dispatch. Requests arriving
// beyond the sustained rate and burst receive an error reply instead of
// reaching the handler.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return message.NewError(map[string]any{"error": "rate limit exceeded"}, req.ID)
			}
			return next(ctx, req)
		}
	}
}
