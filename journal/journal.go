// Package journal keeps an in-memory record of every IPC event received from
// the proxy hosts, queryable per server and per session.
package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/appiumhub/ipc"
)

// Entry is one recorded IPC event.
type Entry struct {
	ID         string          `db:"id" json:"id"`
	Seq        int64           `db:"seq" json:"seq"`
	ServerID   string          `db:"server_id" json:"serverId"`
	SessionID  *string         `db:"session_id" json:"sessionId,omitempty"`
	EventType  string          `db:"event_type" json:"event"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"`
	Data       json.RawMessage `db:"-" json:"data"`
	DataString string          `db:"event_data" json:"-"`
}

// Journal records events in a SQLite database. The default database lives in
// memory and disappears with the process.
type Journal struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenMemory opens a journal backed by a private in-memory database.
func OpenMemory() (*Journal, error) {
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	j, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New creates a journal on an existing database, creating the schema.
func New(db *sqlx.DB) (*Journal, error) {
	if err := DBInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// DBInit creates the journal table and its indexes.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS ipc_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
		id TEXT NOT NULL UNIQUE,
		server_id TEXT NOT NULL,
		session_id TEXT,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		event_data TEXT NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_ipc_events_server_id ON ipc_events(server_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_ipc_events_session_id ON ipc_events(session_id)`)
	return err
}

// sessionOf returns the session an event refers to, if any.
func sessionOf(ev ipc.Event) *string {
	switch e := ev.(type) {
	case ipc.SessionStarted:
		if id, _, err := e.Session(); err == nil {
			return &id
		}
	case ipc.SessionStopped:
		return &e.SessionID
	case ipc.SessionCommand:
		return e.SessionID
	}
	return nil
}

// Record stores one event received from serverID.
func (j *Journal) Record(serverID string, ev ipc.Event) (Entry, error) {
	msg, err := ipc.Encode(ev)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		ID:         uuid.New().String(),
		ServerID:   serverID,
		SessionID:  sessionOf(ev),
		EventType:  string(msg.Event),
		Timestamp:  j.now().UTC().UnixMilli(),
		Data:       msg.Data,
		DataString: string(msg.Data),
	}

	err = j.db.QueryRow(`
		INSERT INTO ipc_events (id, server_id, session_id, event_type, timestamp, event_data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`,
		entry.ID,
		entry.ServerID,
		entry.SessionID,
		entry.EventType,
		entry.Timestamp,
		entry.DataString,
	).Scan(&entry.Seq)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to record %s event: %w", entry.EventType, err)
	}
	return entry, nil
}

func (j *Journal) query(q string, args ...any) ([]Entry, error) {
	var entries []Entry
	if err := j.db.Select(&entries, q, args...); err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Data = json.RawMessage(entries[i].DataString)
	}
	return entries, nil
}

// ForSession returns every event that referred to sessionID, oldest first.
func (j *Journal) ForSession(sessionID string) ([]Entry, error) {
	return j.query(`
		SELECT seq, id, server_id, session_id, event_type, timestamp, event_data
		FROM ipc_events WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
}

// ForServer returns the latest limit events of serverID, oldest first. A
// limit of zero or less returns all of them.
func (j *Journal) ForServer(serverID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return j.query(`
			SELECT seq, id, server_id, session_id, event_type, timestamp, event_data
			FROM ipc_events WHERE server_id = $1 ORDER BY seq ASC`, serverID)
	}
	return j.query(`
		SELECT * FROM (
			SELECT seq, id, server_id, session_id, event_type, timestamp, event_data
			FROM ipc_events WHERE server_id = $1 ORDER BY seq DESC LIMIT $2
		) ORDER BY seq ASC`, serverID, limit)
}

// Count returns the number of recorded events.
func (j *Journal) Count() (int, error) {
	var n int
	err := j.db.Get(&n, `SELECT COUNT(*) FROM ipc_events`)
	return n, err
}

// Close releases the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
