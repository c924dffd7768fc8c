package convlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresConversationTable = "chatrelay_conversations"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresLog struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresLog keeps one row per (user, conversation) with a version column;
// the conditional append is a transaction that locks the row and swaps the
// version, so concurrent appenders see ErrVersionConflict instead of clobbering
// each other.
func NewPostgresLog(dsn string) (Log, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresLog{
		dsn:       dsn,
		tableName: postgresConversationTable,
		openDB:    sql.Open,
	}, nil
}

func (l *postgresLog) ensureReady() error {
	l.initOnce.Do(func() {
		db, err := l.openDB("postgres", l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				user_id TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				version TEXT NOT NULL,
				messages TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (user_id, conversation_id)
			)`, postgresQuoteIdentifier(l.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		l.db = db
	})
	return l.initErr
}

func (l *postgresLog) Read(ctx context.Context, userID, conversationID string) ([]Message, string, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(conversationID) == "" {
		return nil, "", ErrInvalidInput
	}
	if err := l.ensureReady(); err != nil {
		return nil, "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT version, messages FROM %s WHERE user_id = $1 AND conversation_id = $2",
		postgresQuoteIdentifier(l.tableName),
	)
	var version, payload string
	err := l.db.QueryRowContext(ctx, query, userID, conversationID).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	var messages []Message
	if err := json.Unmarshal([]byte(payload), &messages); err != nil {
		return nil, "", err
	}
	return messages, version, nil
}

func (l *postgresLog) ConditionalAppend(ctx context.Context, userID, conversationID string, msg Message, version string) (string, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(conversationID) == "" {
		return "", ErrInvalidInput
	}
	if err := l.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(
		"SELECT version, messages FROM %s WHERE user_id = $1 AND conversation_id = $2 FOR UPDATE",
		postgresQuoteIdentifier(l.tableName),
	)
	var currentVersion, payload string
	var messages []Message
	err = tx.QueryRowContext(ctx, selectQuery, userID, conversationID).Scan(&currentVersion, &payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if version != "" {
			return "", ErrVersionConflict
		}
	case err != nil:
		return "", err
	default:
		if currentVersion != version {
			return "", ErrVersionConflict
		}
		if err := json.Unmarshal([]byte(payload), &messages); err != nil {
			return "", err
		}
	}

	messages = append(messages, msg)
	newPayload, err := json.Marshal(messages)
	if err != nil {
		return "", err
	}
	newVersion := uuid.NewString()

	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (user_id, conversation_id, version, messages, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, conversation_id)
		DO UPDATE SET version = EXCLUDED.version, messages = EXCLUDED.messages, updated_at = NOW()`,
		postgresQuoteIdentifier(l.tableName))
	if _, err := tx.ExecContext(ctx, upsertQuery, userID, conversationID, newVersion, string(newPayload)); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	committed = true
	return newVersion, nil
}

func (l *postgresLog) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
