// ABOUTME: SQLite implementation of TranscriptStore using modernc.org/sqlite
// ABOUTME: Lets saved transcripts outlive the process; live conversations stay in memory

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// savedAtLayout is fixed-width so saved_at sorts correctly as text
const savedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteTranscriptStore implements TranscriptStore using SQLite
type SQLiteTranscriptStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteTranscriptStore opens (or creates) a transcript database at path.
// Parent directories are created if needed. ":memory:" is accepted for tests.
func NewSQLiteTranscriptStore(path string) (*SQLiteTranscriptStore, error) {
	logger := slog.Default().With("component", "transcript-store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared across calls
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteTranscriptStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite transcript store initialized", "path", path)
	return s, nil
}

func (s *SQLiteTranscriptStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transcripts (
			transcript_id   TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			saved_at        TEXT NOT NULL,
			activities_json TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transcripts_conversation
			ON transcripts(conversation_id, saved_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// storedActivity carries the watermark alongside the wire fields, since
// Activity does not serialize it.
type storedActivity struct {
	Activity  *Activity `json:"activity"`
	Watermark int64     `json:"watermark"`
}

// SaveTranscript persists a transcript.
func (s *SQLiteTranscriptStore) SaveTranscript(ctx context.Context, transcript *Transcript) error {
	rows := make([]storedActivity, len(transcript.Activities))
	for i, a := range transcript.Activities {
		rows[i] = storedActivity{Activity: a, Watermark: a.Watermark}
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encoding activities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transcripts (transcript_id, conversation_id, saved_at, activities_json)
		VALUES (?, ?, ?, ?)
	`,
		transcript.ID,
		transcript.ConversationID,
		transcript.SavedAt.UTC().Format(savedAtLayout),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("inserting transcript: %w", err)
	}

	s.logger.Debug("saved transcript",
		"transcript_id", transcript.ID,
		"conversation_id", transcript.ConversationID,
		"activities", len(transcript.Activities),
	)
	return nil
}

// LatestTranscript returns the most recently saved transcript of a conversation.
func (s *SQLiteTranscriptStore) LatestTranscript(ctx context.Context, conversationID string) (*Transcript, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT transcript_id, conversation_id, saved_at, activities_json
		FROM transcripts
		WHERE conversation_id = ?
		ORDER BY saved_at DESC, rowid DESC
		LIMIT 1
	`, conversationID)

	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTranscriptNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}
	return t, nil
}

// ListTranscripts returns every saved transcript of a conversation, oldest first.
func (s *SQLiteTranscriptStore) ListTranscripts(ctx context.Context, conversationID string) ([]*Transcript, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transcript_id, conversation_id, saved_at, activities_json
		FROM transcripts
		WHERE conversation_id = ?
		ORDER BY saved_at ASC, rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying transcripts: %w", err)
	}
	defer rows.Close()

	var out []*Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transcript: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteTranscriptStore) Close() error {
	s.logger.Info("closing SQLite transcript store")
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTranscript(row rowScanner) (*Transcript, error) {
	var (
		t        Transcript
		savedAt  string
		payload  string
		activity []storedActivity
	)
	if err := row.Scan(&t.ID, &t.ConversationID, &savedAt, &payload); err != nil {
		return nil, err
	}

	var err error
	t.SavedAt, err = time.Parse(savedAtLayout, savedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing saved_at: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &activity); err != nil {
		return nil, fmt.Errorf("decoding activities: %w", err)
	}

	t.Activities = make([]*Activity, 0, len(activity))
	for _, sa := range activity {
		if sa.Activity == nil {
			continue
		}
		sa.Activity.Watermark = sa.Watermark
		t.Activities = append(t.Activities, sa.Activity)
	}
	return &t, nil
}
