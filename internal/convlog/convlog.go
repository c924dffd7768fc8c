// Package convlog is the append-only per-conversation message log consumed by
// the relay's /chat/append endpoint. Appends are conditional on a version
// token so concurrent writers cannot silently drop each other's messages.
package convlog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidInput    = errors.New("invalid input")
)

const appendMaxAttempts = 3

type Message struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Log is an append-only event log keyed by user and conversation. Read on a
// conversation that does not exist yet returns no messages and an empty
// version; ConditionalAppend with that empty version creates it.
type Log interface {
	Read(ctx context.Context, userID, conversationID string) ([]Message, string, error)
	ConditionalAppend(ctx context.Context, userID, conversationID string, msg Message, version string) (string, error)
	Close() error
}

// Append performs the read/compare-and-swap loop around ConditionalAppend,
// retrying only on version conflict and only up to three attempts. Generic
// backend failures are returned immediately.
func Append(ctx context.Context, log Log, userID, conversationID string, msg Message) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(conversationID) == "" {
		return ErrInvalidInput
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	var err error
	for attempt := 0; attempt < appendMaxAttempts; attempt++ {
		var version string
		if _, version, err = log.Read(ctx, userID, conversationID); err != nil {
			return err
		}
		if _, err = log.ConditionalAppend(ctx, userID, conversationID, msg, version); err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return err
}

func conversationKey(userID, conversationID string) string {
	return userID + "/" + conversationID
}

type memoryConversation struct {
	version  string
	messages []Message
}

type memoryLog struct {
	mu    sync.Mutex
	convs map[string]*memoryConversation
}

// NewMemoryLog returns an in-process Log used for development and tests.
func NewMemoryLog() Log {
	return &memoryLog{convs: map[string]*memoryConversation{}}
}

func (l *memoryLog) Read(_ context.Context, userID, conversationID string) ([]Message, string, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(conversationID) == "" {
		return nil, "", ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	conv, ok := l.convs[conversationKey(userID, conversationID)]
	if !ok {
		return nil, "", nil
	}
	return append([]Message(nil), conv.messages...), conv.version, nil
}

func (l *memoryLog) ConditionalAppend(_ context.Context, userID, conversationID string, msg Message, version string) (string, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(conversationID) == "" {
		return "", ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := conversationKey(userID, conversationID)
	conv, ok := l.convs[key]
	if !ok {
		if version != "" {
			return "", ErrVersionConflict
		}
		conv = &memoryConversation{}
		l.convs[key] = conv
	} else if conv.version != version {
		return "", ErrVersionConflict
	}
	conv.messages = append(conv.messages, msg)
	conv.version = uuid.NewString()
	return conv.version, nil
}

func (l *memoryLog) Close() error {
	return nil
}
