package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/supportchat/pkg/wire"
)

func TestNew_BuildsEndpoint(t *testing.T) {
	c, err := New(Config{BaseURL: "http://shop.test/", APIPrefix: "/api/"})
	require.NoError(t, err)
	require.Equal(t, "http://shop.test/api/chat", c.Endpoint())

	c, err = New(Config{BaseURL: "http://shop.test"})
	require.NoError(t, err)
	require.Equal(t, "http://shop.test/chat", c.Endpoint())

	_, err = New(Config{})
	require.Error(t, err)
}

func TestCreateMessage(t *testing.T) {
	var got wire.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/chat", r.URL.Path)
		require.Equal(t, "cm-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(wire.ChatResponse{
			ConversationID: " c1 ",
			Message:        &wire.HistoryMessage{ID: "cm-1", Text: got.Text, CreatedAt: time.UnixMilli(1000)},
		})
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIPrefix: "/api"})
	require.NoError(t, err)

	resp, err := c.CreateMessage(context.Background(), wire.ChatRequest{
		Text: "Hola", DisplayName: "Ana", ContactPhone: "3011234567", ClientMessageID: "cm-1",
	})
	require.NoError(t, err)
	require.Equal(t, "c1", resp.ConversationID)
	require.NotNil(t, resp.Message)
	require.Equal(t, "Hola", resp.Message.Text)
	require.Equal(t, "Ana", got.DisplayName)
	require.Empty(t, got.ConversationID)
}

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "c 1", r.URL.Query().Get("conversationId"))
		_, _ = w.Write([]byte(`[
			{"id":"a","text":"hola","fromSupport":false,"createdAt":"2026-03-01T10:00:00Z","read":true},
			{"id":"b","text":"¿en qué te ayudo?","fromSupport":true,"createdAt":"2026-03-01T10:00:05Z","read":false}
		]`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIPrefix: "api"})
	require.NoError(t, err)

	msgs, err := c.History(context.Background(), "c 1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.True(t, msgs[1].FromSupport)
	require.Equal(t, "b", msgs[1].ID)

	_, err = c.History(context.Background(), "  ")
	require.Error(t, err)
}

func TestFailuresWrapBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("conversationId") {
		case "missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"conversation not found"}`))
		case "garbage":
			_, _ = w.Write([]byte(`<html>`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	c, err := New(Config{BaseURL: srv.URL, APIPrefix: "/api"})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.History(ctx, "missing")
	require.True(t, errors.Is(err, ErrBackendUnavailable))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusNotFound, se.Code)
	require.Equal(t, "conversation not found", se.Message)

	_, err = c.History(ctx, "garbage")
	require.True(t, errors.Is(err, ErrBackendUnavailable))

	_, err = c.CreateMessage(ctx, wire.ChatRequest{Text: "hola"})
	require.True(t, errors.Is(err, ErrBackendUnavailable))

	srv.Close()
	_, err = c.CreateMessage(ctx, wire.ChatRequest{Text: "hola"})
	require.True(t, errors.Is(err, ErrBackendUnavailable))
}
