// Package history persists the results of OCR runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const DBFile = "scans.db"

var (
	ErrNotFound = errors.New("scan not found")
	ErrInvalid  = errors.New("invalid scan")
)

// Scan is one persisted OCR result
type Scan struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	ImagePath  string    `json:"imagePath,omitempty"`
	ImageHash  string    `json:"imageHash,omitempty"`
	MimeType   string    `json:"mimeType,omitempty"`
	Text       string    `json:"text"`
	Language   string    `json:"language"`
	Confidence float64   `json:"confidence"`
	Title      string    `json:"title"`
	Notes      string    `json:"notes,omitempty"`
	Favorite   bool      `json:"favorite"`
	Pages      int       `json:"pages"`
	DurationMs int64     `json:"durationMs"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
	Device     string    `json:"device,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	// Substring searched in text, title and notes
	Query         string `form:"q" json:"query,omitempty"`
	FavoritesOnly bool   `form:"favorites" json:"favoritesOnly,omitempty"`
	Language      string `form:"lang" json:"language,omitempty"`
	Limit         int    `form:"limit" json:"limit,omitempty" binding:"gte=0,lte=1000"`
	Offset        int    `form:"offset" json:"offset,omitempty" binding:"gte=0"`
}

// Patch holds user edits. Nil fields stay untouched.
type Patch struct {
	Text     *string `json:"text,omitempty"`
	Title    *string `json:"title,omitempty" binding:"omitempty,max=200"`
	Notes    *string `json:"notes,omitempty"`
	Favorite *bool   `json:"favorite,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p Patch) Empty() bool {
	return p.Text == nil && p.Title == nil && p.Notes == nil && p.Favorite == nil
}

// Store is the SQLite backed scan history
type Store struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
	log    *slog.Logger
}

// Open opens or creates the database in dir
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	dbPath := filepath.Join(dir, DBFile)
	db, err := sql.Open("sqlite", dbPath+"?mode=rwc&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath, now: time.Now, log: logger}
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	logger.Debug("Scan history opened", "path", dbPath)
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		image_path TEXT NOT NULL DEFAULT '',
		image_hash TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		language TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0 CHECK (confidence BETWEEN 0 AND 100),
		title TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		favorite INTEGER NOT NULL DEFAULT 0,
		pages INTEGER NOT NULL DEFAULT 1,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		captured_at INTEGER NOT NULL DEFAULT 0,
		device TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_scans_created ON scans(created_at);
	CREATE INDEX IF NOT EXISTS idx_scans_favorite ON scans(favorite);
	CREATE INDEX IF NOT EXISTS idx_scans_language ON scans(language);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

const columns = `id, created_at, updated_at, image_path, image_hash, mime_type, text, language,
	confidence, title, notes, favorite, pages, duration_ms, width, height, captured_at, device`

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func clampConfidence(c float64) float64 {
	return min(max(c, 0), 100)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(r rowScanner) (*Scan, error) {
	var (
		sc                        Scan
		created, updated, capture int64
	)
	err := r.Scan(&sc.ID, &created, &updated, &sc.ImagePath, &sc.ImageHash, &sc.MimeType, &sc.Text,
		&sc.Language, &sc.Confidence, &sc.Title, &sc.Notes, &sc.Favorite, &sc.Pages, &sc.DurationMs,
		&sc.Width, &sc.Height, &capture, &sc.Device)
	if err != nil {
		return nil, err
	}
	sc.CreatedAt, sc.UpdatedAt, sc.CapturedAt = fromMillis(created), fromMillis(updated), fromMillis(capture)
	return &sc, nil
}

// Insert stores sc and sets its ID and timestamps
func (s *Store) Insert(ctx context.Context, sc *Scan) error {
	if sc.Language == "" {
		return fmt.Errorf("%w: language is required", ErrInvalid)
	}
	now := s.now()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = sc.CreatedAt
	sc.Confidence = clampConfidence(sc.Confidence)
	if sc.Pages < 1 {
		sc.Pages = 1
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO scans (created_at, updated_at, image_path, image_hash,
		mime_type, text, language, confidence, title, notes, favorite, pages, duration_ms, width, height,
		captured_at, device) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		millis(sc.CreatedAt), millis(sc.UpdatedAt), sc.ImagePath, sc.ImageHash, sc.MimeType, sc.Text,
		sc.Language, sc.Confidence, sc.Title, sc.Notes, sc.Favorite, sc.Pages, sc.DurationMs, sc.Width,
		sc.Height, millis(sc.CapturedAt), sc.Device)
	if err != nil {
		return fmt.Errorf("inserting scan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading scan id: %w", err)
	}
	sc.ID = id
	return nil
}

// Get returns the scan with the given id
func (s *Store) Get(ctx context.Context, id int64) (*Scan, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM scans WHERE id = ?", id)
	sc, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading scan %d: %w", id, err)
	}
	return sc, nil
}

func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + escapeLike(q) + "%"
		conds = append(conds, `(text LIKE ? ESCAPE '\' OR title LIKE ? ESCAPE '\' OR notes LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like)
	}
	if f.FavoritesOnly {
		conds = append(conds, "favorite = 1")
	}
	if f.Language != "" {
		conds = append(conds, "language = ?")
		args = append(args, f.Language)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// List returns matching scans, newest first
func (s *Store) List(ctx context.Context, f Filter) ([]*Scan, error) {
	where, args := f.where()
	query := "SELECT " + columns + " FROM scans" + where + " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	defer rows.Close()
	var scans []*Scan
	for rows.Next() {
		sc, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("reading scan row: %w", err)
		}
		scans = append(scans, sc)
	}
	return scans, rows.Err()
}

// Update applies p to the scan and returns the updated record
func (s *Store) Update(ctx context.Context, id int64, p Patch) (*Scan, error) {
	var (
		sets []string
		args []any
	)
	if p.Text != nil {
		sets, args = append(sets, "text = ?"), append(args, *p.Text)
	}
	if p.Title != nil {
		sets, args = append(sets, "title = ?"), append(args, strings.TrimSpace(*p.Title))
	}
	if p.Notes != nil {
		sets, args = append(sets, "notes = ?"), append(args, *p.Notes)
	}
	if p.Favorite != nil {
		sets, args = append(sets, "favorite = ?"), append(args, *p.Favorite)
	}
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}
	sets, args = append(sets, "updated_at = ?"), append(args, millis(s.now()))
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE scans SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("updating scan %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return s.Get(ctx, id)
}

// ToggleFavorite flips the favorite flag and returns the new state
func (s *Store) ToggleFavorite(ctx context.Context, id int64) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		"UPDATE scans SET favorite = 1 - favorite, updated_at = ? WHERE id = ? RETURNING favorite",
		millis(s.now()), id)
	var fav bool
	if err := row.Scan(&fav); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return false, fmt.Errorf("toggling favorite of scan %d: %w", id, err)
	}
	return fav, nil
}

// Delete removes the scan and returns it
func (s *Store) Delete(ctx context.Context, id int64) (*Scan, error) {
	row := s.db.QueryRowContext(ctx, "DELETE FROM scans WHERE id = ? RETURNING "+columns, id)
	sc, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("deleting scan %d: %w", id, err)
	}
	return sc, nil
}

func (s *Store) deleteReturning(ctx context.Context, where string, args ...any) ([]*Scan, error) {
	rows, err := s.db.QueryContext(ctx, "DELETE FROM scans"+where+" RETURNING "+columns, args...)
	if err != nil {
		return nil, fmt.Errorf("deleting scans: %w", err)
	}
	defer rows.Close()
	var deleted []*Scan
	for rows.Next() {
		sc, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("reading deleted scan: %w", err)
		}
		deleted = append(deleted, sc)
	}
	return deleted, rows.Err()
}

// DeleteAll removes every scan and returns the removed records
func (s *Store) DeleteAll(ctx context.Context) ([]*Scan, error) {
	return s.deleteReturning(ctx, "")
}

// DeleteOlderThan removes scans created before cutoff. Favorites are kept
// unless includeFavorites is set.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, includeFavorites bool) ([]*Scan, error) {
	where := " WHERE created_at < ?"
	if !includeFavorites {
		where += " AND favorite = 0"
	}
	deleted, err := s.deleteReturning(ctx, where, millis(cutoff))
	if err == nil && len(deleted) > 0 {
		s.log.Debug("Deleted old scans", "count", len(deleted), "cutoff", cutoff)
	}
	return deleted, err
}

// Count returns the number of scans matching f
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scans"+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting scans: %w", err)
	}
	return n, nil
}

// Confidences returns the confidence of every scan
func (s *Store) Confidences(ctx context.Context) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT confidence FROM scans")
	if err != nil {
		return nil, fmt.Errorf("reading confidences: %w", err)
	}
	defer rows.Close()
	var cs []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cs = append(cs, c)
	}
	return cs, rows.Err()
}

// LanguageCounts returns the number of scans per language
func (s *Store) LanguageCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT language, COUNT(*) FROM scans GROUP BY language")
	if err != nil {
		return nil, fmt.Errorf("counting languages: %w", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var (
			lang string
			n    int
		)
		if err := rows.Scan(&lang, &n); err != nil {
			return nil, err
		}
		counts[lang] = n
	}
	return counts, rows.Err()
}
