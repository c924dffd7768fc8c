package convlog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type fileConversationState struct {
	Version  string    `json:"version"`
	Messages []Message `json:"messages"`
}

type fileLog struct {
	root string
	mu   sync.Mutex
}

// NewFileLog stores each conversation as a JSON snapshot under
// root/<userID>/<conversationID>.json, written atomically via rename.
func NewFileLog(root string) (Log, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &fileLog{root: root}, nil
}

func (l *fileLog) path(userID, conversationID string) (string, error) {
	if !safePathComponent(userID) || !safePathComponent(conversationID) {
		return "", ErrInvalidInput
	}
	return filepath.Join(l.root, userID, conversationID+".json"), nil
}

func safePathComponent(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	return !strings.ContainsAny(s, "/\\") && s != "." && s != ".."
}

func (l *fileLog) Read(_ context.Context, userID, conversationID string) ([]Message, string, error) {
	path, err := l.path(userID, conversationID)
	if err != nil {
		return nil, "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.loadLocked(path)
	if err != nil {
		return nil, "", err
	}
	if state == nil {
		return nil, "", nil
	}
	return append([]Message(nil), state.Messages...), state.Version, nil
}

func (l *fileLog) ConditionalAppend(_ context.Context, userID, conversationID string, msg Message, version string) (string, error) {
	path, err := l.path(userID, conversationID)
	if err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := l.loadLocked(path)
	if err != nil {
		return "", err
	}
	current := ""
	if state == nil {
		state = &fileConversationState{}
	} else {
		current = state.Version
	}
	if current != version {
		return "", ErrVersionConflict
	}
	state.Messages = append(state.Messages, msg)
	state.Version = uuid.NewString()
	if err := l.saveLocked(path, state); err != nil {
		return "", err
	}
	return state.Version, nil
}

func (l *fileLog) Close() error {
	return nil
}

func (l *fileLog) loadLocked(path string) (*fileConversationState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state fileConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (l *fileLog) saveLocked(path string, state *fileConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
