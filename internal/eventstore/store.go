package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	_ "modernc.org/sqlite"
)

// Synthesis is one journaled synthesis outcome. The text itself is never
// stored, only its length.
type Synthesis struct {
	ID            int64     `json:"id"`
	RequestID     string    `json:"request_id"`
	VoiceKey      string    `json:"voice_key"`
	SpeakerID     int       `json:"speaker_id"`
	Format        string    `json:"format"`
	TextChars     int       `json:"text_chars"`
	AudioDuration float64   `json:"audio_duration_ms"`
	Latency       float64   `json:"latency_ms"`
	Status        string    `json:"status"`
	Stage         string    `json:"stage,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store wraps the SQLite synthesis journal. Ephemeral mode keeps the journal
// in memory for the life of the process.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	dsn := "file::memory:"
	if cfg.RetentionMode == "persistent" {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.RetentionMode != "persistent" {
		// Every pooled connection to :memory: would be a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "journal")), clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart && cfg.RetentionMode == "persistent" {
		if err := s.vacuum(ctx); err != nil {
			s.log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		s.log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS syntheses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    voice_key TEXT NOT NULL,
    speaker_id INTEGER NOT NULL,
    format TEXT NOT NULL,
    text_chars INTEGER NOT NULL,
    audio_duration_ms REAL NOT NULL,
    latency_ms REAL NOT NULL,
    status TEXT NOT NULL,
    stage TEXT,
    error TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_syntheses_created ON syntheses(created_at);
CREATE INDEX IF NOT EXISTS idx_syntheses_voice ON syntheses(voice_key, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init journal schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendSynthesis writes an outcome into the journal.
func (s *Store) AppendSynthesis(ctx context.Context, rec Synthesis) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO syntheses(request_id, voice_key, speaker_id, format, text_chars, audio_duration_ms, latency_ms, status, stage, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.VoiceKey, rec.SpeakerID, rec.Format, rec.TextChars,
		rec.AudioDuration, rec.Latency, rec.Status, rec.Stage, rec.Error, rec.CreatedAt.UnixNano())
	return err
}

// ListRecent returns up to limit outcomes, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Synthesis, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, voice_key, speaker_id, format, text_chars, audio_duration_ms, latency_ms, status, stage, error, created_at
		 FROM syntheses ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Synthesis{}
	for rows.Next() {
		var rec Synthesis
		var stage, errText sql.NullString
		var created int64
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.VoiceKey, &rec.SpeakerID, &rec.Format, &rec.TextChars,
			&rec.AudioDuration, &rec.Latency, &rec.Status, &stage, &errText, &created); err != nil {
			return nil, err
		}
		rec.Stage = stage.String
		rec.Error = errText.String
		rec.CreatedAt = time.Unix(0, created).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune applies configured retention (called on startup and after appends
// by the runtime's janitor).
func (s *Store) Prune(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM syntheses WHERE created_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM syntheses WHERE id IN (
			SELECT id FROM syntheses ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
