package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/echopad/echopad/pkg/logger"
)

// Import logger functions
var (
	String = logger.String
	Error  = logger.Error
)

// SessionRecord represents a completed recording session in the database
type SessionRecord struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Content      string    `json:"content"`
	Rewrite      string    `json:"rewrite,omitempty"`
	RewriteStyle string    `json:"rewrite_style,omitempty"`
	AudioBytes   int64     `json:"audio_bytes"`
}

// TurnRecord represents a single committed transcript turn
type TurnRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"timestamp"`
	Content   string    `json:"text"`
}

// TranscriptStorage handles storage of sessions and transcript turns
type TranscriptStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewTranscriptStorage opens the SQLite database at dbPath and prepares the
// transcript tables.
func NewTranscriptStorage(dbPath string, log *logger.Logger) (*TranscriptStorage, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite storage",
		String("path", dbPath))

	// Open the database
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool limits
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	// Set pragmas for better performance and concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	storage := &TranscriptStorage{
		db:     db,
		logger: storageLogger,
	}
	if err := storage.initDB(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// GetDB returns the underlying database handle
func (s *TranscriptStorage) GetDB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *TranscriptStorage) Close() error {
	return s.db.Close()
}

// initDB initializes the database tables
func (s *TranscriptStorage) initDB() error {
	// Create sessions table
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner TEXT,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			content TEXT NOT NULL,
			rewrite TEXT,
			rewrite_style TEXT,
			audio_bytes INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	// Create turns table
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			content TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create turns table: %w", err)
	}

	// Create indexes
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_turns_session_id ON turns(session_id)`)
	if err != nil {
		return fmt.Errorf("failed to create session_id index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)`)
	if err != nil {
		return fmt.Errorf("failed to create started_at index: %w", err)
	}

	return nil
}

// StoreSession stores a completed session record
func (s *TranscriptStorage) StoreSession(ctx context.Context, record *SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions
		(id, owner, started_at, ended_at, content, rewrite, rewrite_style, audio_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Owner,
		record.StartedAt.UTC().Format(time.RFC3339),
		record.EndedAt.UTC().Format(time.RFC3339),
		record.Content,
		record.Rewrite,
		record.RewriteStyle,
		record.AudioBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	return nil
}

// StoreTurn stores a committed transcript turn
func (s *TranscriptStorage) StoreTurn(ctx context.Context, record *TurnRecord) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, created_at, content) VALUES (?, ?, ?)`,
		record.SessionID,
		record.CreatedAt.UTC().Format(time.RFC3339),
		record.Content,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert turn: %w", err)
	}

	// Get ID
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// GetSessions returns sessions ordered newest first with pagination
func (s *TranscriptStorage) GetSessions(ctx context.Context, limit, offset int) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, started_at, ended_at, content, rewrite, rewrite_style, audio_bytes
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// GetSessionsByTimeRange returns sessions that started within the given time
// range, ordered newest first
func (s *TranscriptStorage) GetSessionsByTimeRange(ctx context.Context, start, end time.Time) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, started_at, ended_at, content, rewrite, rewrite_style, audio_bytes
		FROM sessions
		WHERE started_at >= ? AND started_at <= ?
		ORDER BY started_at DESC`,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions by time range: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// GetSession returns a single session by ID, or nil when not found
func (s *TranscriptStorage) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, started_at, ended_at, content, rewrite, rewrite_style, audio_bytes
		FROM sessions
		WHERE id = ?`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanSession(rows)
}

// GetTurnsBySession returns all turns for a session in commit order
func (s *TranscriptStorage) GetTurnsBySession(ctx context.Context, sessionID string) ([]*TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, created_at, content
		FROM turns
		WHERE session_id = ?
		ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var records []*TurnRecord
	for rows.Next() {
		var record TurnRecord
		var createdAt string

		if err := rows.Scan(
			&record.ID,
			&record.SessionID,
			&createdAt,
			&record.Content,
		); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}

		record.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}

		records = append(records, &record)
	}

	return records, rows.Err()
}

// UpdateSessionRewrite stores an AI rewrite of a session transcript
func (s *TranscriptStorage) UpdateSessionRewrite(ctx context.Context, id, style, rewrite string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET rewrite = ?, rewrite_style = ? WHERE id = ?`,
		rewrite, style, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session rewrite: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s not found", id)
	}

	return nil
}

func scanSession(rows *sql.Rows) (*SessionRecord, error) {
	var record SessionRecord
	var startedAt, endedAt string
	var owner, rewrite, rewriteStyle sql.NullString

	if err := rows.Scan(
		&record.ID,
		&owner,
		&startedAt,
		&endedAt,
		&record.Content,
		&rewrite,
		&rewriteStyle,
		&record.AudioBytes,
	); err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	var err error
	record.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	record.EndedAt, err = time.Parse(time.RFC3339, endedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ended_at: %w", err)
	}

	// Handle nullable fields
	if owner.Valid {
		record.Owner = owner.String
	}
	if rewrite.Valid {
		record.Rewrite = rewrite.String
	}
	if rewriteStyle.Valid {
		record.RewriteStyle = rewriteStyle.String
	}

	return &record, nil
}
