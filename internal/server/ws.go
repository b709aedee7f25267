package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/selkiehq/selkie/internal/npc"
	"github.com/selkiehq/selkie/internal/observe"
)

// wsReply is the frame written back for every inbound chat frame.
type wsReply struct {
	// Status mirrors the HTTP contract: "reply", "declined", "reset", or
	// "error".
	Status string `json:"status"`

	// Reply is the assistant text when Status is "reply".
	Reply string `json:"reply,omitempty"`

	// Reason explains a decline or error.
	Reason string `json:"reason,omitempty"`
}

// handleWS carries the /chat contract over a websocket: each inbound JSON
// frame is dispatched like a POST and the verdict is written back as a frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	log := observe.Logger(r.Context())
	log.Info("websocket client connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		var req chatRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				errors.Is(err, context.Canceled) {
				log.Info("websocket client disconnected")
				return
			}
			log.Warn("websocket read failed", "err", err)
			return
		}

		reply := s.dispatchFrame(ctx, &req)
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			log.Warn("websocket write failed", "err", err)
			return
		}
	}
}

// dispatchFrame runs one chat frame through validation, rate limiting, and
// the engine.
func (s *Server) dispatchFrame(ctx context.Context, req *chatRequest) wsReply {
	if err := req.validate(); err != nil {
		return wsReply{Status: "error", Reason: err.Error()}
	}
	if !s.limiter.Allow(req.AvatarID) {
		return wsReply{Status: "error", Reason: "rate limited"}
	}

	res, err := s.engine.HandleMessage(ctx, req.Speaker, req.AvatarID, req.Message)
	if err != nil {
		observe.Logger(ctx).Error("llm turn failed", "err", err)
		return wsReply{Status: "error", Reason: "llm backend failure"}
	}

	switch res.Verdict {
	case npc.VerdictReply:
		return wsReply{Status: "reply", Reply: res.Reply}
	case npc.VerdictReset:
		return wsReply{Status: "reset"}
	default:
		return wsReply{Status: "declined", Reason: res.Reason}
	}
}
