package server

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"jrpc-mux/codec"
	"jrpc-mux/jsonrpc"
	"jrpc-mux/message"
	"jrpc-mux/metrics"
)

// dispatch applies one decoded message's effects. Requests go through the
// handler chain and produce exactly one reply on the same connection;
// notifications and unsolicited replies act on connection and process
// state instead. No I/O happens here beyond enqueueing the reply.
func (svr *Server) dispatch(conn *jsonrpc.Conn, msg *message.Message) {
	metrics.MessageReceived(msg.Kind.String())
	switch msg.Kind {
	case message.KindRequest:
		reply := svr.handler(context.Background(), msg)
		if reply != nil {
			conn.Send(reply)
		}
	case message.KindNotify:
		if msg.Method == "shutdown" {
			log.Info().Str("peer", conn.Name()).Msg("shutdown requested")
			svr.shutdown = true
			return
		}
		log.Error().Str("peer", conn.Name()).Str("method", msg.Method).Msg("unsupported notification")
		conn.SetError(jsonrpc.ErrUnsupportedNotification)
	default:
		log.Error().Str("peer", conn.Name()).Stringer("kind", msg.Kind).Msg("unsolicited reply or error")
		conn.SetError(jsonrpc.ErrUnexpectedReply)
	}
}

// dispatchRequest is the innermost handler: it looks the method up in the
// table and runs it. Unknown methods earn an error reply and a report; the
// connection stays open.
func (svr *Server) dispatchRequest(ctx context.Context, req *message.Message) *message.Message {
	fn, ok := svr.methods[req.Method]
	if !ok {
		log.Error().Str("method", req.Method).Msg("unknown request method")
		return message.NewError(map[string]any{"error": "unknown method"}, req.ID)
	}
	start := time.Now()
	reply := fn(ctx, req)
	metrics.RequestDispatched(req.Method, time.Since(start))
	return reply
}

// echoMethod replies with a deep copy of the request params, id preserved.
func echoMethod(ctx context.Context, req *message.Message) *message.Message {
	return message.NewReply(codec.Clone(req.Params), req.ID)
}
