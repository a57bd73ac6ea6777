// Package patientstore keeps caregiver patient records and daily tracking
// (moods, notes, activities) in SQLite and serves them over the bus.
package patientstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-grounding/internal/config"
	"github.com/loqalabs/loqa-grounding/internal/profile"
)

var ErrNotFound = errors.New("patient not found")

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const maxActivities = 10

var validMoods = map[string]bool{
	profile.MoodGreat:     true,
	profile.MoodGood:      true,
	profile.MoodOkay:      true,
	profile.MoodDifficult: true,
	profile.MoodVeryHard:  true,
}

// Store wraps the SQLite patient database.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open opens the database at cfg.Path and applies pending migrations.
func Open(ctx context.Context, cfg config.PatientStoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log.With(slog.String("component", "patient-store")), clock: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		s.log.Info("applied migration", slog.Int64("version", r.Source.Version), slog.Duration("took", r.Duration))
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put inserts or replaces a patient record.
func (s *Store) Put(ctx context.Context, record profile.PatientRecord) error {
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		return errors.New("patient id is required")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode patient %s: %w", record.ID, err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO patients(id, name, record, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, record=excluded.record, updated_at=excluded.updated_at`,
		record.ID, record.Name, data, now, now)
	if err != nil {
		return fmt.Errorf("store patient %s: %w", record.ID, err)
	}
	return nil
}

// Get returns the record for id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (profile.PatientRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM patients WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return profile.PatientRecord{}, ErrNotFound
	}
	if err != nil {
		return profile.PatientRecord{}, fmt.Errorf("load patient %s: %w", id, err)
	}
	var record profile.PatientRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return profile.PatientRecord{}, fmt.Errorf("decode patient %s: %w", id, err)
	}
	return record, nil
}

// List returns every stored record ordered by name.
func (s *Store) List(ctx context.Context) ([]profile.PatientRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM patients ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []profile.PatientRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var record profile.PatientRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("decode patient: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM patients WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// LogMood records a mood entry. Day defaults to today.
func (s *Store) LogMood(ctx context.Context, patientID string, entry profile.MoodEntry) (profile.MoodEntry, error) {
	if !validMoods[entry.Mood] {
		return profile.MoodEntry{}, fmt.Errorf("unknown mood %q", entry.Mood)
	}
	if err := s.exists(ctx, patientID); err != nil {
		return profile.MoodEntry{}, err
	}
	now := s.clock().UTC()
	entry.ID = uuid.NewString()
	entry.LoggedAt = now
	if entry.Day == "" {
		entry.Day = profile.DayKey(s.clock())
	}
	if _, err := time.Parse(profile.DayLayout, entry.Day); err != nil {
		return profile.MoodEntry{}, fmt.Errorf("invalid day %q: %w", entry.Day, err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO moods(id, patient_id, day, mood, time_of_day, note, logged_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, patientID, entry.Day, entry.Mood, entry.TimeOfDay, entry.Note, now.Format(timeLayout))
	if err != nil {
		return profile.MoodEntry{}, fmt.Errorf("store mood: %w", err)
	}
	return entry, nil
}

// AddNote records a caregiver note. Day defaults to today.
func (s *Store) AddNote(ctx context.Context, patientID string, note profile.NoteEntry) (profile.NoteEntry, error) {
	note.Text = strings.TrimSpace(note.Text)
	if note.Text == "" {
		return profile.NoteEntry{}, errors.New("note text is required")
	}
	if err := s.exists(ctx, patientID); err != nil {
		return profile.NoteEntry{}, err
	}
	now := s.clock().UTC()
	note.ID = uuid.NewString()
	note.CreatedAt = now
	note.Tag = strings.ToLower(strings.TrimSpace(note.Tag))
	if note.Day == "" {
		note.Day = profile.DayKey(s.clock())
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes(id, patient_id, day, tag, text, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		note.ID, patientID, note.Day, note.Tag, note.Text, now.Format(timeLayout))
	if err != nil {
		return profile.NoteEntry{}, fmt.Errorf("store note: %w", err)
	}
	return note, nil
}

// TrackActivity records a care activity. At defaults to now.
func (s *Store) TrackActivity(ctx context.Context, patientID string, act profile.Activity) (profile.Activity, error) {
	if strings.TrimSpace(act.Type) == "" {
		return profile.Activity{}, errors.New("activity type is required")
	}
	if err := s.exists(ctx, patientID); err != nil {
		return profile.Activity{}, err
	}
	act.ID = uuid.NewString()
	if act.At.IsZero() {
		act.At = s.clock()
	}
	act.At = act.At.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activities(id, patient_id, type, summary, at) VALUES(?, ?, ?, ?, ?)`,
		act.ID, patientID, act.Type, act.Summary, act.At.Format(timeLayout))
	if err != nil {
		return profile.Activity{}, fmt.Errorf("store activity: %w", err)
	}
	return act, nil
}

// Window resolves the tracking data a call needs: moods for the trailing
// days (reference day included), notes from today and yesterday, and the
// most recent activities within the same span.
func (s *Store) Window(ctx context.Context, patientID string, days int, reference time.Time) (profile.TrackingWindow, error) {
	if days <= 0 {
		days = 7
	}
	if reference.IsZero() {
		reference = s.clock()
	}
	if err := s.exists(ctx, patientID); err != nil {
		return profile.TrackingWindow{}, err
	}
	window := profile.TrackingWindow{Reference: reference, Days: days}
	today := profile.DayKey(reference)
	first := profile.DayKey(reference.AddDate(0, 0, -(days - 1)))
	yesterday := profile.DayKey(reference.AddDate(0, 0, -1))

	var err error
	if window.Moods, err = s.moods(ctx, patientID, first, today); err != nil {
		return profile.TrackingWindow{}, err
	}
	if window.Notes, err = s.notes(ctx, patientID, yesterday, today); err != nil {
		return profile.TrackingWindow{}, err
	}
	since := reference.AddDate(0, 0, -days).UTC().Format(timeLayout)
	if window.Activities, err = s.activities(ctx, patientID, since); err != nil {
		return profile.TrackingWindow{}, err
	}
	return window, nil
}

func (s *Store) moods(ctx context.Context, patientID, from, to string) ([]profile.MoodEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, day, mood, COALESCE(time_of_day, ''), COALESCE(note, ''), logged_at
		 FROM moods WHERE patient_id = ? AND day >= ? AND day <= ? ORDER BY day DESC, logged_at ASC`,
		patientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query moods: %w", err)
	}
	defer rows.Close()

	var out []profile.MoodEntry
	for rows.Next() {
		var e profile.MoodEntry
		var logged string
		if err := rows.Scan(&e.ID, &e.Day, &e.Mood, &e.TimeOfDay, &e.Note, &logged); err != nil {
			return nil, err
		}
		e.LoggedAt = parseTime(logged)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) notes(ctx context.Context, patientID, from, to string) ([]profile.NoteEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, day, COALESCE(tag, ''), text, created_at
		 FROM notes WHERE patient_id = ? AND day >= ? AND day <= ? ORDER BY created_at ASC`,
		patientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	var out []profile.NoteEntry
	for rows.Next() {
		var n profile.NoteEntry
		var created string
		if err := rows.Scan(&n.ID, &n.Day, &n.Tag, &n.Text, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = parseTime(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) activities(ctx context.Context, patientID, since string) ([]profile.Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, COALESCE(summary, ''), at
		 FROM activities WHERE patient_id = ? AND at >= ? ORDER BY at DESC LIMIT ?`,
		patientID, since, maxActivities)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []profile.Activity
	for rows.Next() {
		var a profile.Activity
		var at string
		if err := rows.Scan(&a.ID, &a.Type, &a.Summary, &at); err != nil {
			return nil, err
		}
		a.At = parseTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SeedFromCatalog stores every catalog record not already present and
// returns how many were added.
func (s *Store) SeedFromCatalog(ctx context.Context, catalog *profile.Catalog) (int, error) {
	if catalog == nil {
		return 0, nil
	}
	added := 0
	for _, record := range catalog.List() {
		err := s.exists(ctx, record.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return added, err
		}
		if err := s.Put(ctx, record); err != nil {
			return added, err
		}
		added++
	}
	if added > 0 {
		s.log.Info("seeded patient store from catalog", slog.Int("patients", added))
	}
	return added, nil
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}
