package thread

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the sqlite persistence layer for the thread collection and the
// auto-approve policy. Pending changes, checkpoints, and stream state
// are deliberately not persisted: a checkpoint only protects the
// current live process.
type DB struct {
	db *sql.DB
}

// OpenDB opens (and migrates) the loom database at path.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		last_modified TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		thread_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		role TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (thread_id, seq),
		FOREIGN KEY (thread_id) REFERENCES threads(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, seq);

	CREATE TABLE IF NOT EXISTS approvals (
		category TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL
	);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveThread writes a thread and its full message list in one
// transaction, replacing any previous rows for the thread.
func (d *DB) SaveThread(t *Thread) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO threads (id, created_at, last_modified) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_modified = excluded.last_modified
	`, t.ID, t.CreatedAt, t.LastModified)
	if err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE thread_id = ?`, t.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for seq, msg := range t.Messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", msg.MessageID(), err)
		}
		_, err = tx.Exec(`
			INSERT INTO messages (thread_id, seq, id, role, payload) VALUES (?, ?, ?, ?, ?)
		`, t.ID, seq, msg.MessageID(), msg.Role(), string(payload))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	return tx.Commit()
}

// LoadThreads reads all threads with their messages, oldest first.
func (d *DB) LoadThreads() ([]*Thread, error) {
	rows, err := d.db.Query(`SELECT id, created_at, last_modified FROM threads ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t := &Thread{State: StateIdle}
		if err := rows.Scan(&t.ID, &t.CreatedAt, &t.LastModified); err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range threads {
		msgs, err := d.loadMessages(t.ID)
		if err != nil {
			return nil, err
		}
		t.Messages = msgs
	}
	return threads, nil
}

func (d *DB) loadMessages(threadID string) ([]Message, error) {
	rows, err := d.db.Query(`SELECT role, payload FROM messages WHERE thread_id = ? ORDER BY seq ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var role, payload string
		if err := rows.Scan(&role, &payload); err != nil {
			return nil, err
		}
		msg, err := decodeMessage(role, []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode message in thread %s: %w", threadID, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// SaveApproval persists one auto-approve category flag.
func (d *DB) SaveApproval(category string, enabled bool) error {
	_, err := d.db.Exec(`
		INSERT INTO approvals (category, enabled) VALUES (?, ?)
		ON CONFLICT(category) DO UPDATE SET enabled = excluded.enabled
	`, category, boolToInt(enabled))
	return err
}

// LoadApprovals reads the persisted auto-approve policy.
func (d *DB) LoadApprovals() (map[string]bool, error) {
	rows, err := d.db.Query(`SELECT category, enabled FROM approvals`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var category string
		var enabled int
		if err := rows.Scan(&category, &enabled); err != nil {
			return nil, err
		}
		out[category] = enabled != 0
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// decodeMessage reconstructs a concrete message from its role and
// stored payload.
func decodeMessage(role string, payload []byte) (Message, error) {
	switch role {
	case RoleUser:
		var m UserMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case RoleAssistant:
		var m AssistantMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case RoleToolResult:
		var m ToolResultMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case RoleCheckpoint:
		var m CheckpointMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case RoleInterrupted:
		var m InterruptedToolMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown message role %q", role)
	}
}

// partEnvelope is the stored form of a Part.
type partEnvelope struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Open   bool   `json:"open,omitempty"`
	CallID string `json:"call_id,omitempty"`
}

// assistantWire mirrors AssistantMessage with concrete part encoding.
type assistantWire struct {
	ID          string               `json:"id"`
	Content     string               `json:"content"`
	IsStreaming bool                 `json:"is_streaming"`
	Parts       []partEnvelope       `json:"parts"`
	ToolCalls   map[string]*ToolCall `json:"tool_calls"`
	Timestamp   time.Time            `json:"timestamp"`
}

// MarshalJSON encodes the interface-typed parts as tagged envelopes.
func (m *AssistantMessage) MarshalJSON() ([]byte, error) {
	wire := assistantWire{
		ID:          m.ID,
		Content:     m.Content,
		IsStreaming: m.IsStreaming,
		ToolCalls:   m.ToolCalls,
		Timestamp:   m.Timestamp,
	}
	for _, p := range m.Parts {
		switch part := p.(type) {
		case TextPart:
			wire.Parts = append(wire.Parts, partEnvelope{Type: "text", Text: part.Text, Open: part.Open})
		case ToolCallPart:
			wire.Parts = append(wire.Parts, partEnvelope{Type: "tool_call", CallID: part.CallID})
		default:
			return nil, fmt.Errorf("unknown part type %T", p)
		}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes tagged part envelopes back into Part values.
func (m *AssistantMessage) UnmarshalJSON(data []byte) error {
	var wire assistantWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.ID = wire.ID
	m.Content = wire.Content
	m.IsStreaming = wire.IsStreaming
	m.ToolCalls = wire.ToolCalls
	m.Timestamp = wire.Timestamp
	if m.ToolCalls == nil {
		m.ToolCalls = make(map[string]*ToolCall)
	}
	m.Parts = nil
	for _, env := range wire.Parts {
		switch env.Type {
		case "text":
			m.Parts = append(m.Parts, TextPart{Text: env.Text, Open: env.Open})
		case "tool_call":
			m.Parts = append(m.Parts, ToolCallPart{CallID: env.CallID})
		default:
			return fmt.Errorf("unknown part type %q", env.Type)
		}
	}
	return nil
}
