// Package httpapi terminates HTTP for the relay: CORS, body limits, the
// long-poll and callback endpoints, and the storage collaborator routes.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ragdesk/chatrelay/internal/blobstore"
	"github.com/ragdesk/chatrelay/internal/config"
	"github.com/ragdesk/chatrelay/internal/convlog"
	"github.com/ragdesk/chatrelay/internal/relay"
)

const (
	// Oversized bodies are rejected mid-stream as soon as the running byte
	// count passes these caps, never buffered whole first.
	maxJSONBodyBytes   = 1 << 20
	maxUploadBodyBytes = 25 << 20
)

type ServerConfig struct {
	Origins         *config.OriginList
	RateLimitMax    int
	RateLimitWindow time.Duration
	Logger          zerolog.Logger
}

type Server struct {
	exchange *relay.Exchange
	log      convlog.Log
	blobs    blobstore.Store
	origins  *config.OriginList
	limiter  *rateLimiter
	logger   zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(exchange *relay.Exchange, log convlog.Log, blobs blobstore.Store) *Server {
	return NewServerWithConfig(exchange, log, blobs, ServerConfig{})
}

func NewServerWithConfig(exchange *relay.Exchange, log convlog.Log, blobs blobstore.Store, cfg ServerConfig) *Server {
	if cfg.Origins == nil {
		cfg.Origins = config.NewOriginList(nil)
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		exchange: exchange,
		log:      log,
		blobs:    blobs,
		origins:  cfg.Origins,
		limiter:  limiter,
		logger:   cfg.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// A panicking handler must not take down the process and every other
	// in-flight waiter with it.
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
			writeError(w, http.StatusInternalServerError, "internal_error")
		}
	}()

	s.applyCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case r.URL.Path == "/status" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "relay": s.exchange.Stats()})
	case r.URL.Path == "/chat/append" && r.Method == http.MethodPost:
		if !s.allowRate(w, r) {
			return
		}
		s.handleChatAppend(w, r)
	case r.URL.Path == "/user/files/upload" && r.Method == http.MethodPost:
		if !s.allowRate(w, r) {
			return
		}
		s.handleFileUpload(w, r)
	case r.URL.Path == "/chat/response" && r.Method == http.MethodPost:
		s.handleChatResponse(w, r)
	case r.URL.Path == "/chat/response/poll" && r.Method == http.MethodPost:
		s.handleChatResponsePoll(w, r)
	case r.URL.Path == "/chat/response/ws" && r.Method == http.MethodGet:
		s.handleResponseSubscribe(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found")
	}
}

func (s *Server) handleChatAppend(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r, maxJSONBodyBytes)
	if !ok {
		return
	}
	req, err := parseAppendRequest(body)
	if err != nil {
		if errors.Is(err, errInvalidJSON) {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	message := convlog.Message{Role: req.Role, Text: req.Text}
	if err := convlog.Append(r.Context(), s.log, req.UserID, req.ConversationID, message); err != nil {
		if errors.Is(err, convlog.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		s.logger.Error().Err(err).
			Str("userId", req.UserID).
			Str("conversationId", req.ConversationID).
			Msg("conversation append failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user_id")
		return
	}
	// Browsers percent-encode non-ASCII filenames into the header.
	filename, err := url.QueryUnescape(r.Header.Get("X-File-Name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filename")
		return
	}
	filename = strings.TrimSpace(filename)
	if filename == "" || filename == "." || filename == ".." || strings.ContainsAny(filename, "/\\") {
		writeError(w, http.StatusBadRequest, "invalid_filename")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/pdf") {
		writeError(w, http.StatusBadRequest, "invalid_content_type")
		return
	}

	data, ok := s.readBody(w, r, maxUploadBodyBytes)
	if !ok {
		return
	}
	key, err := s.blobs.Put(r.Context(), userID, filename, contentType, data)
	if err != nil {
		if errors.Is(err, blobstore.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_filename")
			return
		}
		s.logger.Error().Err(err).Str("userId", userID).Str("filename", filename).Msg("file upload failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.logger.Info().Str("key", key).Int("bytes", len(data)).Msg("file stored")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": key})
}

func (s *Server) handleChatResponse(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r, maxJSONBodyBytes)
	if !ok {
		return
	}
	resp, err := relay.NormalizeCallback(body)
	if err != nil {
		if errors.Is(err, relay.ErrMissingClientRequestID) {
			writeError(w, http.StatusBadRequest, "missing_client_request_id")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	delivered := s.exchange.HandleCallback(resp)
	s.logger.Info().
		Str("clientRequestId", resp.Data.ClientRequestID).
		Str("conversationId", resp.Data.ConversationID).
		Int("delivered", delivered).
		Msg("engine callback resolved")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleChatResponsePoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientRequestID string `json:"clientRequestId"`
		ConversationID  string `json:"conversationId"`
		TimeoutMs       int    `json:"timeoutMs"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ClientRequestID) == "" {
		writeError(w, http.StatusBadRequest, "missing_client_request_id")
		return
	}
	timeout := relay.ClampTimeout(req.TimeoutMs)
	resp, ok := s.exchange.Await(r.Context(), req.ClientRequestID, req.ConversationID, timeout)
	if !ok {
		// Caller disconnected; nothing left to write.
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	if !s.limiter.allow(clientIP(r), time.Now().UTC()) {
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return false
	}
	return true
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	value, vary := resolveCORSOrigin(r.Header.Get("Origin"), s.origins.Snapshot())
	w.Header().Set("Access-Control-Allow-Origin", value)
	if vary {
		w.Header().Add("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-Id, X-File-Name")
}

// resolveCORSOrigin echoes an allow-listed caller origin (with Vary: Origin),
// degrades to * when the list is empty or contains a wildcard, and otherwise
// answers with the first configured origin.
func resolveCORSOrigin(origin string, allowed []string) (string, bool) {
	if len(allowed) == 0 {
		return "*", false
	}
	for _, candidate := range allowed {
		if candidate == "*" {
			return "*", false
		}
	}
	if origin != "" {
		for _, candidate := range allowed {
			if candidate == origin {
				return origin, true
			}
		}
	}
	return allowed[0], false
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readBody(w, r, maxJSONBodyBytes)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"success": false, "error": code})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
