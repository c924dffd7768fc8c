package relay

import (
	"encoding/json"
	"errors"
)

var ErrMissingClientRequestID = errors.New("missing clientRequestId")

// ResponseData is the canonical inner payload delivered to pollers.
type ResponseData struct {
	Content         string          `json:"content,omitempty"`
	Citations       json.RawMessage `json:"citations,omitempty"`
	ConversationID  string          `json:"conversationId,omitempty"`
	ClientRequestID string          `json:"clientRequestId"`
}

// Response is the canonical shape relayed to pollers, whatever shape the
// workflow engine posted. data.clientRequestId is always populated: either
// from the inbound payload or injected from the waiter about to receive it.
type Response struct {
	Success bool         `json:"success"`
	Data    ResponseData `json:"data"`
	Error   string       `json:"error,omitempty"`
	Message string       `json:"message,omitempty"`
}

func TimeoutResponse(clientRequestID, conversationID string) Response {
	return Response{
		Success: false,
		Error:   "timeout",
		Data: ResponseData{
			ClientRequestID: clientRequestID,
			ConversationID:  conversationID,
		},
	}
}

type callbackBody struct {
	Success *bool          `json:"success"`
	Data    *callbackData  `json:"data"`
	Error   string         `json:"error"`
	Message string         `json:"message"`

	// Bare-shape fields; also consulted when the envelope's data omits them.
	ClientRequestID string          `json:"clientRequestId"`
	ConversationID  string          `json:"conversationId"`
	Content         string          `json:"content"`
	Citations       json.RawMessage `json:"citations"`
}

type callbackData struct {
	ClientRequestID string          `json:"clientRequestId"`
	ConversationID  string          `json:"conversationId"`
	Content         string          `json:"content"`
	Citations       json.RawMessage `json:"citations"`
}

// NormalizeCallback interprets a workflow-engine callback body, which may be
// either an envelope ({success, data, error, message}) or a bare data object,
// and produces the canonical Response. The engine is not trusted to echo
// fields in a fixed place, so the request id and conversation id fall back
// from data to the top level. A payload with no resolvable clientRequestId is
// rejected, never buffered under a synthetic key.
func NormalizeCallback(body []byte) (Response, error) {
	var in callbackBody
	if err := json.Unmarshal(body, &in); err != nil {
		return Response{}, err
	}

	data := callbackData{}
	if in.Data != nil {
		data = *in.Data
	}
	if data.ClientRequestID == "" {
		data.ClientRequestID = in.ClientRequestID
	}
	if data.ConversationID == "" {
		data.ConversationID = in.ConversationID
	}
	if data.Content == "" {
		data.Content = in.Content
	}
	if len(data.Citations) == 0 {
		data.Citations = in.Citations
	}
	if data.ClientRequestID == "" {
		return Response{}, ErrMissingClientRequestID
	}

	success := true
	if in.Success != nil {
		success = *in.Success
	} else if in.Data == nil && in.Error != "" {
		success = false
	}

	return Response{
		Success: success,
		Error:   in.Error,
		Message: in.Message,
		Data: ResponseData{
			Content:         data.Content,
			Citations:       data.Citations,
			ConversationID:  data.ConversationID,
			ClientRequestID: data.ClientRequestID,
		},
	}, nil
}
