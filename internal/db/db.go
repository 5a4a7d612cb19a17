// Package db is the append-only message store. Messages are immutable once
// written and history reads return them in insertion order per room.
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kanadmarick/BitStyleMessagingApp/internal/models"

	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 2

type Database struct {
	*sql.DB
}

func New(dataSourceName string) (*Database, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(4) // SQLite is single-writer; more connections waste FDs and increase lock contention
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		return nil, err
	}

	return &Database{db}, nil
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if version < 1 {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := createTablesInTx(tx); err != nil {
			return err
		}
		if _, err := tx.Exec("PRAGMA user_version = 1"); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		version = 1
	}

	if version < 2 {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := migrateToV2InTx(tx); err != nil {
			return err
		}
		if _, err := tx.Exec("PRAGMA user_version = 2"); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

func createTablesInTx(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			payload TEXT NOT NULL,
			iv BLOB,
			timestamp INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id);
	`)
	return err
}

func migrateToV2InTx(tx *sql.Tx) error {
	if _, err := tx.Exec("ALTER TABLE messages ADD COLUMN received_at DATETIME"); err != nil {
		// Ignore duplicate-column errors for idempotency on partially migrated databases.
		if !strings.Contains(strings.ToLower(err.Error()), "duplicate column name") {
			return err
		}
	}
	_, err := tx.Exec("UPDATE messages SET received_at = CURRENT_TIMESTAMP WHERE received_at IS NULL")
	return err
}

// AppendMessage persists one message and returns the stored record.
// Insertion order is the authoritative history order: SQLite's single-writer
// lock serializes inserts, so per-room ordering follows receipt order at
// the store. A failure here is surfaced to the caller; the relay treats it
// as non-fatal and still broadcasts (store and broadcast are deliberately
// not atomic).
func (db *Database) AppendMessage(roomID, sender, payload string, iv []byte, timestamp int64) (*models.StoredMessage, error) {
	receivedAt := time.Now().UTC()
	_, err := db.Exec(
		"INSERT INTO messages (room_id, sender, payload, iv, timestamp, received_at) VALUES (?, ?, ?, ?, ?, ?)",
		roomID, sender, payload, iv, timestamp, receivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return &models.StoredMessage{
		RoomID:     roomID,
		Username:   sender,
		Encrypted:  payload,
		IV:         iv,
		Timestamp:  timestamp,
		ReceivedAt: receivedAt,
	}, nil
}

// RoomHistory returns every persisted message for the room in insertion
// order. The read is a plain snapshot: no cursor state, callers may invoke
// it freely.
func (db *Database) RoomHistory(roomID string) ([]models.StoredMessage, error) {
	rows, err := db.Query(
		"SELECT room_id, sender, payload, iv, timestamp FROM messages WHERE room_id = ? ORDER BY id ASC",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.StoredMessage, 0)
	for rows.Next() {
		var msg models.StoredMessage
		var iv []byte
		if err := rows.Scan(&msg.RoomID, &msg.Username, &msg.Encrypted, &iv, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.IV = iv
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// CountMessages reports the total number of persisted messages.
func (db *Database) CountMessages() (int64, error) {
	var count int64
	err := db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	return count, err
}

// CountRoomMessages reports the number of persisted messages for one room.
func (db *Database) CountRoomMessages(roomID string) (int64, error) {
	var count int64
	err := db.QueryRow("SELECT COUNT(*) FROM messages WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}
