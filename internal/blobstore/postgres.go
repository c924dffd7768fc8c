package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresBlobTable        = "chatrelay_blobs"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresStore{
		dsn:       dsn,
		tableName: postgresBlobTable,
		openDB:    sql.Open,
	}, nil
}

func (s *postgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				object_key TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				filename TEXT NOT NULL,
				content_type TEXT NOT NULL,
				data BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *postgresStore) Put(ctx context.Context, userID, filename, contentType string, data []byte) (string, error) {
	if err := validateObjectIDs(userID, filename); err != nil {
		return "", err
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	key := ObjectKey(userID, filename)
	query := fmt.Sprintf(`
		INSERT INTO %s (object_key, user_id, filename, content_type, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (object_key)
		DO UPDATE SET content_type = EXCLUDED.content_type, data = EXCLUDED.data, updated_at = NOW()`,
		postgresQuoteIdentifier(s.tableName))
	if _, err := s.db.ExecContext(ctx, query, key, userID, filename, contentType, data); err != nil {
		return "", err
	}
	return key, nil
}

func (s *postgresStore) Get(ctx context.Context, key string) (Object, error) {
	if err := s.ensureReady(); err != nil {
		return Object{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT user_id, filename, content_type, data FROM %s WHERE object_key = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	obj := Object{Key: key}
	err := s.db.QueryRowContext(ctx, query, key).Scan(&obj.UserID, &obj.Filename, &obj.ContentType, &obj.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, err
	}
	return obj, nil
}

func (s *postgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
