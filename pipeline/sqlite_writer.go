package pipeline

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aluiziolira/go-scrape-reviews/models"
)

const reviewsSchema = `
CREATE TABLE IF NOT EXISTS reviews (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	rating         TEXT,
	rating_numeric INTEGER,
	review_text    TEXT,
	useful_count   TEXT,
	page           INTEGER NOT NULL,
	page_offset    INTEGER NOT NULL,
	scraped_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS reviews_page_idx ON reviews (page);
`

const insertReview = `INSERT INTO reviews
	(rating, rating_numeric, review_text, useful_count, page, page_offset, scraped_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// SQLiteWriter appends reviews to a SQLite table, one transaction per batch.
// Absent fields are stored as NULL.
type SQLiteWriter struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteWriter opens (or creates) the database at filename and ensures
// the reviews table exists.
func NewSQLiteWriter(filename string) (*SQLiteWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(reviewsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create reviews schema: %w", err)
	}
	return &SQLiteWriter{db: db}, nil
}

// Write inserts reviews in a single transaction.
func (sw *SQLiteWriter) Write(reviews []models.Review) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	tx, err := sw.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.Prepare(insertReview)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range reviews {
		var numeric sql.NullInt64
		if r.RatingNumeric > 0 {
			numeric = sql.NullInt64{Int64: int64(r.RatingNumeric), Valid: true}
		}
		_, err := stmt.Exec(
			nullString(r.Rating),
			numeric,
			nullString(r.ReviewText),
			nullString(r.UsefulCount),
			r.Page,
			r.Offset,
			r.ScrapedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert review: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reviews: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (sw *SQLiteWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.db.Close()
}

// Validate checks the reviews table is readable.
func (sw *SQLiteWriter) Validate() error {
	var n int
	if err := sw.db.QueryRow(`SELECT COUNT(*) FROM reviews`).Scan(&n); err != nil {
		return fmt.Errorf("validate sqlite output: %w", err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
