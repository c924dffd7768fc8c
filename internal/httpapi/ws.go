package httpapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ragdesk/chatrelay/internal/relay"
)

// handleResponseSubscribe is the websocket twin of the poll endpoint: the
// browser opens a socket instead of parking a POST, and the matched engine
// response (or the timeout shape) is pushed as a single JSON message.
func (s *Server) handleResponseSubscribe(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	clientRequestID := strings.TrimSpace(query.Get("clientRequestId"))
	if clientRequestID == "" {
		writeError(w, http.StatusBadRequest, "missing_client_request_id")
		return
	}
	conversationID := strings.TrimSpace(query.Get("conversationId"))
	timeoutMs, _ := strconv.Atoi(query.Get("timeoutMs"))
	timeout := relay.ClampTimeout(timeoutMs)

	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		// Accept has already written the HTTP error.
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// CloseRead pumps the connection so a client disconnect cancels the wait.
	ctx := conn.CloseRead(r.Context())
	resp, ok := s.exchange.Await(ctx, clientRequestID, conversationID, timeout)
	if !ok {
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	if err := wsjson.Write(ctx, conn, resp); err != nil {
		s.logger.Warn().Err(err).Str("clientRequestId", clientRequestID).Msg("websocket write failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	allowed := s.origins.Snapshot()
	if len(allowed) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	patterns := make([]string, 0, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			patterns = append(patterns, parsed.Host)
		} else {
			patterns = append(patterns, origin)
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}
