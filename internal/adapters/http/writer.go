// Package http implements the remote message writer and a connectivity
// probe over HTTP.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/bft-labs/chatsync/internal/domain"
	"github.com/bft-labs/chatsync/internal/ports"
)

const roomsEndpoint = "/v1/rooms/"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// WriterConfig addresses the message service.
type WriterConfig struct {
	ServiceURL string
	AuthKey    string
}

// MessageWriter implements ports.MessageWriter against the message service.
type MessageWriter struct {
	client ports.HTTPClient
	cfg    WriterConfig
	logger ports.Logger
}

// NewMessageWriter creates a writer. A nil client uses a client with a
// 30 second timeout.
func NewMessageWriter(client ports.HTTPClient, cfg WriterConfig, logger ports.Logger) *MessageWriter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.ServiceURL = strings.TrimRight(cfg.ServiceURL, "/")
	return &MessageWriter{client: client, cfg: cfg, logger: logger}
}

type writeRequest struct {
	LocalID    string                `json:"localId"`
	Payload    domain.MessagePayload `json:"payload"`
	EnqueuedAt time.Time             `json:"enqueuedAt"`
	Attempt    int                   `json:"attempt"`
}

func (w *MessageWriter) messagesURL(roomID string) string {
	return w.cfg.ServiceURL + roomsEndpoint + url.PathEscape(roomID) + "/messages"
}

// Write posts msg. The local id is sent as the idempotency key so a retry
// of an already-applied write is harmless.
func (w *MessageWriter) Write(ctx context.Context, msg domain.QueuedMessage) error {
	body, err := json.Marshal(writeRequest{
		LocalID:    msg.LocalID,
		Payload:    msg.Payload,
		EnqueuedAt: msg.EnqueuedAt,
		Attempt:    msg.RetryCount + 1,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.messagesURL(msg.RoomID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.LocalID)
	return w.do(req)
}

// Delete removes a message.
func (w *MessageWriter) Delete(ctx context.Context, roomID, messageID string) error {
	target := w.messagesURL(roomID) + "/" + url.PathEscape(messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return w.do(req)
}

func (w *MessageWriter) do(req *http.Request) error {
	if w.cfg.AuthKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.AuthKey)
	}
	req.Header.Set("X-Client-OSArch", runtime.GOOS+"/"+runtime.GOARCH)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	if permanentStatus(resp.StatusCode) {
		return fmt.Errorf("%w: %w", domain.ErrPermanent, err)
	}
	return err
}

// permanentStatus reports whether retrying a request that got code is
// pointless.
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

var _ ports.MessageWriter = (*MessageWriter)(nil)
