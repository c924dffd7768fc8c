// Package blobstore is the binary object store behind /user/files/upload.
// Objects are keyed by user and filename; a put is an unconditional overwrite.
package blobstore

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

type Object struct {
	Key         string
	UserID      string
	Filename    string
	ContentType string
	Data        []byte
}

type Store interface {
	Put(ctx context.Context, userID, filename, contentType string, data []byte) (string, error)
	Get(ctx context.Context, key string) (Object, error)
	Close() error
}

// ObjectKey is the canonical storage key for a user's file.
func ObjectKey(userID, filename string) string {
	return userID + "/" + filename
}

func validateObjectIDs(userID, filename string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(filename) == "" {
		return ErrInvalidInput
	}
	return nil
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string]Object
}

func NewMemoryStore() Store {
	return &memoryStore{objects: map[string]Object{}}
}

func (s *memoryStore) Put(_ context.Context, userID, filename, contentType string, data []byte) (string, error) {
	if err := validateObjectIDs(userID, filename); err != nil {
		return "", err
	}
	key := ObjectKey(userID, filename)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{
		Key:         key,
		UserID:      userID,
		Filename:    filename,
		ContentType: contentType,
		Data:        append([]byte(nil), data...),
	}
	return key, nil
}

func (s *memoryStore) Get(_ context.Context, key string) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, nil
}

func (s *memoryStore) Close() error {
	return nil
}
