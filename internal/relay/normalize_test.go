package relay

import (
	"errors"
	"testing"
)

func TestNormalizeCallbackEnvelope(t *testing.T) {
	body := []byte(`{
		"success": true,
		"data": {
			"clientRequestId": "r1",
			"conversationId": "c1",
			"content": "answer",
			"citations": [{"title": "doc.pdf", "page": 3}]
		}
	}`)
	resp, err := NormalizeCallback(body)
	if err != nil {
		t.Fatalf("normalize envelope failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success=true, got %+v", resp)
	}
	if resp.Data.ClientRequestID != "r1" || resp.Data.ConversationID != "c1" {
		t.Fatalf("expected correlation ids preserved, got %+v", resp.Data)
	}
	if resp.Data.Content != "answer" || len(resp.Data.Citations) == 0 {
		t.Fatalf("expected content and citations preserved, got %+v", resp.Data)
	}
}

func TestNormalizeCallbackBareObject(t *testing.T) {
	body := []byte(`{"clientRequestId": "r1", "conversationId": "c1", "content": "hi"}`)
	resp, err := NormalizeCallback(body)
	if err != nil {
		t.Fatalf("normalize bare object failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("bare data object should normalize to success=true, got %+v", resp)
	}
	if resp.Data.Content != "hi" || resp.Data.ClientRequestID != "r1" {
		t.Fatalf("unexpected normalized data: %+v", resp.Data)
	}
}

func TestNormalizeCallbackTopLevelIDFallsIntoData(t *testing.T) {
	body := []byte(`{"success": true, "clientRequestId": "r9", "data": {"content": "x"}}`)
	resp, err := NormalizeCallback(body)
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if resp.Data.ClientRequestID != "r9" {
		t.Fatalf("expected top-level id injected into data, got %q", resp.Data.ClientRequestID)
	}
}

func TestNormalizeCallbackErrorShape(t *testing.T) {
	body := []byte(`{"clientRequestId": "r1", "error": "upstream exploded", "message": "try again"}`)
	resp, err := NormalizeCallback(body)
	if err != nil {
		t.Fatalf("normalize error shape failed: %v", err)
	}
	if resp.Success {
		t.Fatalf("bare error payload should normalize to success=false, got %+v", resp)
	}
	if resp.Error != "upstream exploded" || resp.Message != "try again" {
		t.Fatalf("expected error fields preserved, got %+v", resp)
	}
}

func TestNormalizeCallbackMissingClientRequestID(t *testing.T) {
	body := []byte(`{"data": {"conversationId": "c1", "content": "orphan"}}`)
	_, err := NormalizeCallback(body)
	if !errors.Is(err, ErrMissingClientRequestID) {
		t.Fatalf("expected ErrMissingClientRequestID, got %v", err)
	}
}

func TestNormalizeCallbackInvalidJSON(t *testing.T) {
	if _, err := NormalizeCallback([]byte("{not json")); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}
