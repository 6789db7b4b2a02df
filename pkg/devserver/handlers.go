package devserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/supportchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/supportchat/pkg/wire"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, wire.ErrorBody{Message: message})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, chatstore.ErrConversationNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req wire.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClientMessageID == "" {
		req.ClientMessageID = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	resp, err := s.svc.CreateMessage(r.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error().Err(err).Str("component", "devserver").Msg("create message failed")
			writeJSONError(w, status, "failed to store message")
			return
		}
		writeJSONError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.svc.History(r.Context(), r.URL.Query().Get("conversationId"))
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error().Err(err).Str("component", "devserver").Msg("history failed")
			writeJSONError(w, status, "failed to load history")
			return
		}
		writeJSONError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	convs, err := s.svc.Conversations(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Str("component", "devserver").Msg("list conversations failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// handleWS upgrades the request and serves one channel peer until it goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxBodyBytes)

	c := newClient(uuid.NewString(), conn, s.cfg.SendBuffer, s.cfg.WriteTimeout)
	wsLog := log.With().
		Str("component", "devserver").
		Str("remote", conn.RemoteAddr().String()).
		Str("client", c.ID()).
		Logger()
	wsLog.Info().Msg("ws connected")
	defer func() {
		s.hub.Leave(c)
		c.Close()
		wsLog.Info().Msg("ws disconnected")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wsLog.Debug().Err(err).Msg("ws read loop end")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		frame, err := wire.DecodeFrame(data)
		if err != nil {
			wsLog.Warn().Err(err).Msg("dropping frame")
			continue
		}
		in, err := wire.DecodeInbound(frame, s.svc.now)
		if err != nil {
			wsLog.Warn().Err(err).Str("event", frame.Event).Msg("dropping event")
			continue
		}

		switch ev := in.(type) {
		case *wire.JoinConversation:
			if err := s.hub.Join(ev.ConversationID, c); err != nil {
				wsLog.Warn().Err(err).Str("conv_id", ev.ConversationID).Msg("join failed")
				continue
			}
			wsLog.Debug().Str("conv_id", ev.ConversationID).Msg("joined")
		case *wire.MessageEvent:
			if err := s.svc.HandleLive(r.Context(), ev); err != nil {
				wsLog.Warn().Err(err).Str("event", ev.Event).Str("conv_id", ev.ConversationID).Msg("live message rejected")
			}
		}
	}
}
