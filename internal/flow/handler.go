package flow

import (
	"encoding/json"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/apperr"
)

// Handler exposes the engine to a messaging transport.
type Handler struct {
	engine *Engine
	logger *zap.SugaredLogger
}

func NewHandler(engine *Engine, logger *zap.SugaredLogger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

// ReplyResponse carries the text to send back to the sender.
type ReplyResponse struct {
	Reply string `json:"reply"`
}

// Message accepts JSON {from, text, media_url} or a Twilio-style form post
// (From, Body, MediaUrl0).
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	var msg Message
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			h.logger.Debugw("invalid message form", "err", err)
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		msg = Message{From: r.PostForm.Get("From"), Text: r.PostForm.Get("Body"), MediaURL: r.PostForm.Get("MediaUrl0")}
	default:
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			h.logger.Debugw("invalid message payload", "err", err)
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
	}

	reply, err := h.engine.Handle(r.Context(), msg)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": apperr.Message(err)})
			return
		}
		h.logger.Errorw("message handling failed", "from", msg.From, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, ReplyResponse{Reply: msgSystem})
		return
	}
	h.writeJSON(w, http.StatusOK, ReplyResponse{Reply: reply})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warnw("write response failed", "err", err)
	}
}
