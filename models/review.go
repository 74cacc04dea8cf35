// Package models defines data structures for the scraper.
package models

import "time"

// Field names produced by extractors for review listings.
const (
	FieldRating      = "rating"
	FieldReviewText  = "review_text"
	FieldUsefulCount = "useful_count"
)

// RawRecord is an unordered set of named fields as produced by an extractor.
// A nil value or a missing key both mean the field was absent on the page.
type RawRecord map[string]*string

// Get returns the field value and whether it was present.
func (r RawRecord) Get(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	v, ok := r[name]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

// Review is a validated review record. Absent source fields stay nil.
type Review struct {
	Rating        *string   `csv:"rating" json:"rating"`
	RatingNumeric int       `csv:"rating_numeric" json:"rating_numeric"`
	ReviewText    *string   `csv:"review_text" json:"review_text"`
	UsefulCount   *string   `csv:"useful_count" json:"useful_count"`
	Page          int       `csv:"page" json:"page"`
	Offset        int       `csv:"offset" json:"offset"`
	ScrapedAt     time.Time `csv:"scraped_at" json:"scraped_at"`
}

// Outcome is the terminal state of a crawl run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
)

// StopReason explains why a run stopped.
type StopReason string

const (
	StopEndOfData       StopReason = "end_of_data"
	StopMaxPages        StopReason = "max_pages"
	StopPageFailures    StopReason = "page_failures"
	StopProtocolAnomaly StopReason = "protocol_anomaly"
	StopCanceled        StopReason = "canceled"
	StopFatalError      StopReason = "fatal_error"
)

// CrawlResult holds the overall result of a crawl run. It is produced exactly once.
type CrawlResult struct {
	RecordsEmitted int
	RecordsSkipped int
	PagesFetched   int
	PagesSkipped   int
	Retries        int
	Outcome        Outcome
	StopReason     StopReason
	Err            error
	ErrorsByType   map[string]int
	StartTime      time.Time
	EndTime        time.Time
}

// StoppedEarly reports whether a completed run ended before the data set did.
func (r *CrawlResult) StoppedEarly() bool {
	return r.Outcome == OutcomeCompleted && r.StopReason != StopEndOfData
}
