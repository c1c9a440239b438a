// Package httpapi exposes the feed over HTTP and WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/pulsefeed/internal/adapter"
	"github.com/stellarlinkco/pulsefeed/internal/config"
	"github.com/stellarlinkco/pulsefeed/internal/delivery"
	"github.com/stellarlinkco/pulsefeed/internal/feed"
	"github.com/stellarlinkco/pulsefeed/internal/orchestrator"
	"github.com/stellarlinkco/pulsefeed/internal/store"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// Server serves the REST endpoints, platform webhooks, and the live
// event stream.
type Server struct {
	cfg      config.GatewayConfig
	feed     *store.Feed
	orch     *orchestrator.Orchestrator
	adapters *adapter.Registry
	hub      *delivery.Hub
	accounts []config.AccountConfig

	httpServer *http.Server
}

func NewServer(cfg config.GatewayConfig, f *store.Feed, orch *orchestrator.Orchestrator, adapters *adapter.Registry, hub *delivery.Hub, accounts []config.AccountConfig) *Server {
	return &Server{
		cfg:      cfg,
		feed:     f,
		orch:     orch,
		adapters: adapters,
		hub:      hub,
		accounts: accounts,
	}
}

// Handler builds the route table. Exposed separately so tests can drive
// it through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/feed", s.auth(s.handleFeed))
	mux.HandleFunc("GET /api/v1/thread/{id}", s.auth(s.handleThread))
	mux.HandleFunc("PATCH /api/v1/message/{id}", s.auth(s.handleMessagePatch))
	mux.HandleFunc("POST /api/v1/send/{id}", s.auth(s.handleSend))
	mux.HandleFunc("GET /api/v1/ws", s.auth(s.handleWS))
	// Webhooks authenticate with per-platform signatures, not the API token.
	mux.HandleFunc("POST /api/v1/webhook/{platform}", s.handleWebhook)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.Handler(),
	}

	go func() {
		log.Printf("[api] listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// auth enforces the bearer token when one is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.cfg.AuthToken {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type feedResponse struct {
	Items   []feed.Entry `json:"items"`
	HasMore bool         `json:"hasMore"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	q := store.FeedQuery{Limit: config.DefaultFeedLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > config.DefaultMaxFeedLimit {
			n = config.DefaultMaxFeedLimit
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		q.Offset = n
	}
	q.Platform = r.URL.Query().Get("platform")
	if v := r.URL.Query().Get("priority"); v != "" {
		label := feed.PriorityLabel(v)
		if !label.Valid() {
			writeError(w, http.StatusBadRequest, "unknown priority label")
			return
		}
		q.Label = label
	}

	entries, hasMore, err := s.feed.RankedFeed(r.Context(), userID, q)
	if err != nil {
		log.Printf("[api] feed query: %v", err)
		writeError(w, http.StatusInternalServerError, "feed query failed")
		return
	}
	writeJSON(w, http.StatusOK, feedResponse{Items: entries, HasMore: hasMore})
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	threadID := r.PathValue("id")

	entries, err := s.feed.Thread(r.Context(), userID, threadID)
	if err != nil {
		log.Printf("[api] thread query: %v", err)
		writeError(w, http.StatusInternalServerError, "thread query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

type messagePatch struct {
	IsRead       *bool   `json:"isRead,omitempty"`
	IsDone       *bool   `json:"isDone,omitempty"`
	SnoozedUntil *string `json:"snoozedUntil,omitempty"` // RFC3339, empty string clears
}

func (s *Server) handleMessagePatch(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	messageID := r.PathValue("id")

	var patch messagePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if patch.IsRead == nil && patch.IsDone == nil && patch.SnoozedUntil == nil {
		writeError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	apply := func(err error) bool {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return false
		}
		if err != nil {
			log.Printf("[api] patch message %s: %v", messageID, err)
			writeError(w, http.StatusInternalServerError, "update failed")
			return false
		}
		return true
	}

	if patch.IsRead != nil {
		if !apply(s.feed.MarkRead(r.Context(), userID, messageID, *patch.IsRead)) {
			return
		}
	}
	if patch.IsDone != nil {
		if !apply(s.feed.MarkDone(r.Context(), userID, messageID, *patch.IsDone)) {
			return
		}
	}
	if patch.SnoozedUntil != nil {
		var until *time.Time
		if *patch.SnoozedUntil != "" {
			t, err := time.Parse(time.RFC3339, *patch.SnoozedUntil)
			if err != nil {
				writeError(w, http.StatusBadRequest, "snoozedUntil must be RFC3339")
				return
			}
			t = t.UTC()
			until = &t
		}
		if !apply(s.feed.Snooze(r.Context(), userID, messageID, until)) {
			return
		}
	}

	entry, err := s.feed.GetMessage(r.Context(), userID, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		log.Printf("[api] reload message %s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type sendRequest struct {
	Text string `json:"text"`
}

type sendResponse struct {
	PlatformMessageID string `json:"platformMessageId"`
}

// handleSend replies on the thread of an existing message. Transient
// platform rejections get a bounded retry; hard rejections surface as 502.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	messageID := r.PathValue("id")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	entry, err := s.feed.GetMessage(r.Context(), userID, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		log.Printf("[api] load message %s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}

	ad, err := s.adapters.Lookup(entry.Message.Platform)
	if err != nil {
		writeError(w, http.StatusBadGateway, "platform not available")
		return
	}
	creds := s.credsFor(userID, entry.Message.Platform)

	var platformMsgID string
	for attempt := 1; ; attempt++ {
		platformMsgID, err = ad.Send(r.Context(), entry.Message.ThreadID, req.Text, creds)
		if err == nil {
			break
		}
		if !errors.Is(err, adapter.ErrSendTransient) || attempt >= config.DefaultSendMaxAttempts {
			log.Printf("[api] send via %s: %v", entry.Message.Platform, err)
			writeError(w, http.StatusBadGateway, "platform rejected the message")
			return
		}
		select {
		case <-r.Context().Done():
			writeError(w, http.StatusGatewayTimeout, "send cancelled")
			return
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}

	writeJSON(w, http.StatusOK, sendResponse{PlatformMessageID: platformMsgID})
}

// handleWebhook accepts a push payload, verifies the platform signature,
// and hands it to the pipeline. Always 202 on accept: enrichment is
// asynchronous and duplicates are absorbed downstream.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	ad, err := s.adapters.Lookup(platform)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown platform")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if err := ad.VerifyWebhook(r, body); err != nil {
		log.Printf("[api] webhook signature rejected for %s: %v", platform, err)
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	job := orchestrator.Job{Raw: adapter.RawMessage{
		Platform: ad.Name(),
		UserID:   userID,
		Payload:  body,
	}}
	if err := s.orch.Enqueue(job); err != nil {
		writeError(w, http.StatusServiceUnavailable, "ingest queue full")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleWS streams the user's feed events over a WebSocket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[api] websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	events, cancel := s.hub.Subscribe(userID)
	defer cancel()
	log.Printf("[api] ws subscribed: %s", userID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("[api] marshal event: %v", err)
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) credsFor(userID, platform string) adapter.Credentials {
	for _, acct := range s.accounts {
		if acct.UserID == userID && strings.EqualFold(acct.Platform, platform) {
			return adapter.Credentials{AccessToken: acct.AccessToken, RefreshToken: acct.RefreshToken}
		}
	}
	return adapter.Credentials{}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
