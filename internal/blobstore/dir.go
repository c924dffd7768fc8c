package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type dirObjectMeta struct {
	ContentType string `json:"contentType"`
}

type dirStore struct {
	root string
	mu   sync.Mutex
}

// NewDirStore writes each object under root/<userID>/<filename> with a small
// sidecar meta file, both via atomic rename.
func NewDirStore(root string) (Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &dirStore{root: root}, nil
}

func safeComponent(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	return !strings.ContainsAny(s, "/\\") && s != "." && s != ".."
}

func (s *dirStore) Put(_ context.Context, userID, filename, contentType string, data []byte) (string, error) {
	if !safeComponent(userID) || !safeComponent(filename) {
		return "", ErrInvalidInput
	}
	path := filepath.Join(s.root, userID, filename)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	meta, err := json.Marshal(dirObjectMeta{ContentType: contentType})
	if err != nil {
		return "", err
	}
	if err := writeAtomic(path+".meta.json", meta); err != nil {
		return "", err
	}
	return ObjectKey(userID, filename), nil
}

func (s *dirStore) Get(_ context.Context, key string) (Object, error) {
	userID, filename, ok := strings.Cut(key, "/")
	if !ok || !safeComponent(userID) || !safeComponent(filename) {
		return Object{}, ErrInvalidInput
	}
	path := filepath.Join(s.root, userID, filename)
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Object{}, ErrNotFound
		}
		return Object{}, err
	}
	var meta dirObjectMeta
	if raw, err := os.ReadFile(path + ".meta.json"); err == nil {
		_ = json.Unmarshal(raw, &meta)
	}
	return Object{
		Key:         key,
		UserID:      userID,
		Filename:    filename,
		ContentType: meta.ContentType,
		Data:        data,
	}, nil
}

func (s *dirStore) Close() error {
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
