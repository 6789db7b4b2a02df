// Package backend is the REST client for the support backend's create-call and
// history endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/supportchat/pkg/wire"
)

// ErrBackendUnavailable wraps every create-call or history failure: transport
// errors, non-2xx statuses and undecodable bodies.
var ErrBackendUnavailable = errors.New("support backend unavailable")

// StatusError carries a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Code)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrBackendUnavailable }

type Config struct {
	BaseURL    string
	APIPrefix  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	endpoint string
	http     *http.Client
	log      zerolog.Logger
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend: base url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, errors.Wrap(err, "backend: invalid base url")
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.APIPrefix), "/")
	endpoint := base + "/chat"
	if prefix != "" {
		endpoint = base + "/" + prefix + "/chat"
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		endpoint: endpoint,
		http:     hc,
		log:      log.With().Str("component", "backend").Logger(),
	}, nil
}

// Endpoint is the chat resource URL, {base}{prefix}/chat.
func (c *Client) Endpoint() string { return c.endpoint }

// CreateMessage submits one customer message and returns the conversation id
// the backend assigned or confirmed.
func (c *Client) CreateMessage(ctx context.Context, req wire.ChatRequest) (wire.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return wire.ChatResponse{}, errors.Wrap(err, "backend: encode request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return wire.ChatResponse{}, errors.Wrap(err, "backend: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.ClientMessageID != "" {
		httpReq.Header.Set("Idempotency-Key", req.ClientMessageID)
	}

	var resp wire.ChatResponse
	if err := c.do(httpReq, &resp); err != nil {
		return wire.ChatResponse{}, err
	}
	resp.ConversationID = strings.TrimSpace(resp.ConversationID)
	c.log.Debug().Str("conv_id", resp.ConversationID).Msg("message created")
	return resp, nil
}

// History fetches the stored conversation.
func (c *Client) History(ctx context.Context, conversationID string) ([]wire.HistoryMessage, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("backend: conversation id is empty")
	}
	u := c.endpoint + "?" + url.Values{"conversationId": {conversationID}}.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "backend: build request")
	}

	var msgs []wire.HistoryMessage
	if err := c.do(httpReq, &msgs); err != nil {
		return nil, err
	}
	c.log.Debug().Str("conv_id", conversationID).Int("count", len(msgs)).Msg("history fetched")
	return msgs, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "read body: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb wire.ErrorBody
		_ = json.Unmarshal(data, &eb)
		msg := strings.TrimSpace(eb.Message)
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "decode body: %v", err)
	}
	return nil
}
