package pipeline

import (
	"bufio"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-reviews/models"
)

func sampleReviews() []models.Review {
	scrapedAt := time.Date(2025, 11, 4, 13, 9, 13, 0, time.UTC)
	return []models.Review{
		{
			Rating:        strPtr("力荐"),
			RatingNumeric: 5,
			ReviewText:    strPtr("A quiet, beautiful film."),
			UsefulCount:   strPtr("1204"),
			Page:          1,
			Offset:        0,
			ScrapedAt:     scrapedAt,
		},
		{
			ReviewText: strPtr("No rating given"),
			Page:       1,
			Offset:     0,
			ScrapedAt:  scrapedAt,
		},
	}
}

func TestCSVWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "reviews.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := writer.Write(sampleReviews()); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records=%d, want 3", len(records))
	}
	if records[0][0] != "rating" || records[0][2] != "review_text" || records[0][3] != "useful_count" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	if records[1][0] != "力荐" || records[1][1] != "5" || records[1][3] != "1204" {
		t.Fatalf("unexpected first row: %v", records[1])
	}
	if records[2][0] != "" || records[2][1] != "" || records[2][3] != "" {
		t.Fatalf("absent fields should be empty cells: %v", records[2])
	}
	if records[1][6] != "2025-11-04T13:09:13Z" {
		t.Fatalf("scraped_at = %q", records[1][6])
	}
}

func TestJSONWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reviews.jsonl")

	writer, err := NewJSONWriter(path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	if err := writer.Write(sampleReviews()); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []map[string]any
	for scanner.Scan() {
		var decoded map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		lines = append(lines, decoded)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("json lines=%d, want 2", len(lines))
	}
	if lines[1]["rating"] != nil {
		t.Fatalf("absent rating should encode as null, got %v", lines[1]["rating"])
	}
	if _, ok := lines[1]["useful_count"]; !ok {
		t.Fatalf("absent useful_count should still be present as null")
	}
}

func TestDualWriterWrite(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "reviews.csv")
	jsonPath := filepath.Join(dir, "reviews.jsonl")

	writer, err := NewDualWriter(csvPath, jsonPath)
	if err != nil {
		t.Fatalf("create dual writer: %v", err)
	}
	if err := writer.Write(sampleReviews()); err != nil {
		t.Fatalf("write dual: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close dual: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate dual: %v", err)
	}

	if info, err := os.Stat(csvPath); err != nil || info.Size() == 0 {
		t.Fatalf("csv file missing or empty")
	}
	if info, err := os.Stat(jsonPath); err != nil || info.Size() == 0 {
		t.Fatalf("json file missing or empty")
	}
}

func TestSQLiteWriterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reviews.db")

	writer, err := NewSQLiteWriter(path)
	if err != nil {
		t.Fatalf("create sqlite writer: %v", err)
	}
	if err := writer.Write(sampleReviews()); err != nil {
		t.Fatalf("write sqlite: %v", err)
	}
	if err := writer.Write(sampleReviews()[:1]); err != nil {
		t.Fatalf("second write sqlite: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate sqlite: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close sqlite: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer db.Close()

	var total, nullRatings int
	if err := db.QueryRow(`SELECT COUNT(*) FROM reviews`).Scan(&total); err != nil {
		t.Fatalf("count reviews: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM reviews WHERE rating IS NULL AND rating_numeric IS NULL`).Scan(&nullRatings); err != nil {
		t.Fatalf("count null ratings: %v", err)
	}
	if total != 3 {
		t.Fatalf("rows = %d, want 3", total)
	}
	if nullRatings != 1 {
		t.Fatalf("rows with absent rating = %d, want 1", nullRatings)
	}

	var text string
	if err := db.QueryRow(`SELECT review_text FROM reviews ORDER BY id LIMIT 1`).Scan(&text); err != nil {
		t.Fatalf("select review: %v", err)
	}
	if text != "A quiet, beautiful film." {
		t.Fatalf("review_text = %q", text)
	}
}

func TestPipelineIntoCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reviews.csv")
	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}

	cfg := testPipelineConfig()
	p := newTestPipeline(t, writer, cfg)
	for _, r := range sampleReviews() {
		if err := p.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records=%d, want 3", len(records))
	}
}
