package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect opens the postgres pool and applies migrations.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")
	return db, nil
}

// users, circles and circle_members belong to the main application; they are only
// created here so the service can boot against an empty database.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            name TEXT,
            email TEXT UNIQUE,
            community_id TEXT,
            status TEXT NOT NULL DEFAULT 'PENDING'
        );`,
	`CREATE TABLE IF NOT EXISTS circles (
            id TEXT PRIMARY KEY,
            community_id TEXT NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS circle_members (
            circle_id TEXT NOT NULL REFERENCES circles(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            PRIMARY KEY(circle_id, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
            id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
            content TEXT NOT NULL,
            sender_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            receiver_id TEXT REFERENCES users(id) ON DELETE CASCADE,
            circle_id TEXT REFERENCES circles(id) ON DELETE CASCADE,
            sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK ((receiver_id IS NULL) <> (circle_id IS NULL))
        );`,
	`CREATE INDEX IF NOT EXISTS chat_messages_circle_idx ON chat_messages (circle_id, sent_at);`,
	`CREATE INDEX IF NOT EXISTS chat_messages_receiver_idx ON chat_messages (receiver_id, sent_at);`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
