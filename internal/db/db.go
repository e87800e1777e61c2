package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Connect opens the database and applies migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Info().Int("count", len(migrations)).Msg("database migrations applied")
	return nil
}

// Change events are published on rt:messages:<room> and rt:hides:<user_id>.
var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto;`,
	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            room TEXT NOT NULL DEFAULT 'general',
            user_id TEXT,
            username TEXT,
            avatar_url TEXT,
            type TEXT CHECK (type IN ('text', 'image')),
            content TEXT,
            attachment_url TEXT,
            deleted_for_all BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`ALTER TABLE messages DROP CONSTRAINT IF EXISTS messages_room_name_check;`,
	`ALTER TABLE messages ADD CONSTRAINT messages_room_name_check CHECK (room ~ '^[A-Za-z0-9_-]{1,40}$');`,
	`CREATE INDEX IF NOT EXISTS messages_room_created_at_idx ON messages (room, created_at DESC);`,
	`CREATE TABLE IF NOT EXISTS message_hides (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            user_id TEXT NOT NULL,
            message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            UNIQUE (user_id, message_id)
        );`,
	// Notifications are capped below 8000 bytes. Oversized rows go out with only
	// their key columns and "partial": true; listeners fetch them.
	`CREATE OR REPLACE FUNCTION notify_message_change() RETURNS trigger AS $$
        DECLARE
            rec messages;
            image TEXT;
            payload TEXT;
        BEGIN
            IF TG_OP = 'DELETE' THEN
                rec := OLD;
                image := 'old';
            ELSE
                rec := NEW;
                image := 'new';
            END IF;
            payload := json_build_object('op', TG_OP, 'table', TG_TABLE_NAME, image, row_to_json(rec))::text;
            IF octet_length(payload) >= 7900 THEN
                payload := json_build_object('op', TG_OP, 'table', TG_TABLE_NAME,
                    image, json_build_object('id', rec.id, 'room', rec.room), 'partial', true)::text;
            END IF;
            PERFORM pg_notify('rt:messages:' || rec.room, payload);
            RETURN rec;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS messages_notify ON messages;`,
	`CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE OR DELETE ON messages
        FOR EACH ROW EXECUTE FUNCTION notify_message_change();`,
	`CREATE OR REPLACE FUNCTION notify_hide_change() RETURNS trigger AS $$
        BEGIN
            IF TG_OP = 'DELETE' THEN
                PERFORM pg_notify('rt:hides:' || OLD.user_id,
                    json_build_object('op', TG_OP, 'table', TG_TABLE_NAME, 'old', row_to_json(OLD))::text);
                RETURN OLD;
            END IF;
            PERFORM pg_notify('rt:hides:' || NEW.user_id,
                json_build_object('op', TG_OP, 'table', TG_TABLE_NAME, 'new', row_to_json(NEW))::text);
            RETURN NEW;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS message_hides_notify ON message_hides;`,
	`CREATE TRIGGER message_hides_notify AFTER INSERT OR DELETE ON message_hides
        FOR EACH ROW EXECUTE FUNCTION notify_hide_change();`,
}
