package transcript

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxSessions = 1000

// Session is the stored summary of one call.
type Session struct {
	ID         string     `json:"id"`
	Bot        string     `json:"bot"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
	EntryCount int        `json:"entry_count,omitempty"`
}

// Store persists transcripts to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to a PostgreSQL transcript database at connStr.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("transcript open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session and prunes the oldest beyond maxSessions.
func (s *Store) CreateSession(id, bot string, startedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, bot, started_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET bot = EXCLUDED.bot, started_at = EXCLUDED.started_at, ended_at = NULL`,
		id, bot, startedAt.UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT $1)`,
		maxSessions,
	)
	return err
}

// EndSession sets the ended_at timestamp and reason.
func (s *Store) EndSession(id, reason string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at = $1, end_reason = $2 WHERE id = $3`,
		time.Now().UTC(), reason, id,
	)
	return err
}

// AppendEntry inserts one transcript line.
func (s *Store) AppendEntry(sessionID string, e Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO entries (session_id, speaker, text, spoken_at) VALUES ($1, $2, $3, $4)`,
		sessionID, string(e.Speaker), e.Text, e.Time.UTC(),
	)
	return err
}

// ListSessions returns sessions ordered newest first, with entry counts.
func (s *Store) ListSessions(limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT s.id, s.bot, s.started_at, s.ended_at, s.end_reason, COUNT(e.id) AS entry_count
		FROM sessions s
		LEFT JOIN entries e ON e.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var endedAt sql.NullTime
		if err = rows.Scan(&sess.ID, &sess.Bot, &sess.StartedAt, &endedAt, &sess.EndReason, &sess.EntryCount); err != nil {
			return nil, 0, err
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// GetSession returns a single session with its transcript.
func (s *Store) GetSession(id string) (*Session, []Entry, error) {
	var sess Session
	var endedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, bot, started_at, ended_at, end_reason FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.Bot, &sess.StartedAt, &endedAt, &sess.EndReason)
	if err != nil {
		return nil, nil, err
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}

	rows, err := s.db.Query(
		`SELECT speaker, text, spoken_at FROM entries WHERE session_id = $1 ORDER BY spoken_at ASC, id ASC`,
		id,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var speaker string
		if err = rows.Scan(&speaker, &e.Text, &e.Time); err != nil {
			return nil, nil, err
		}
		e.Speaker = Speaker(speaker)
		entries = append(entries, e)
	}
	sess.EntryCount = len(entries)
	return &sess, entries, rows.Err()
}
