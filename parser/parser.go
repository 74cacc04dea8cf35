package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aluiziolira/go-scrape-reviews/models"
)

// ErrInvalidRecord marks a raw record that cannot be turned into a review.
var ErrInvalidRecord = errors.New("invalid record")

// ToReview validates raw and maps it onto a review. Missing fields stay
// absent; only structurally broken input is rejected.
func ToReview(raw models.RawRecord, page, offset int, scrapedAt time.Time) (models.Review, error) {
	if raw == nil {
		return models.Review{}, fmt.Errorf("%w: record is nil", ErrInvalidRecord)
	}
	for name, value := range raw {
		if value != nil && !utf8.ValidString(*value) {
			return models.Review{}, fmt.Errorf("%w: field %q is not valid utf-8", ErrInvalidRecord, name)
		}
	}

	review := models.Review{
		Rating:      optional(raw, models.FieldRating, NormalizeText),
		ReviewText:  optional(raw, models.FieldReviewText, NormalizeText),
		UsefulCount: optional(raw, models.FieldUsefulCount, NormalizeUsefulCount),
		Page:        page,
		Offset:      offset,
		ScrapedAt:   scrapedAt,
	}
	if review.Rating != nil {
		review.RatingNumeric = RatingToNumeric(*review.Rating)
	}
	return review, nil
}

func optional(raw models.RawRecord, name string, normalize func(string) string) *string {
	value, ok := raw.Get(name)
	if !ok {
		return nil
	}
	value = normalize(value)
	if value == "" {
		return nil
	}
	return &value
}

// NormalizeText trims and collapses inner whitespace.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// NormalizeUsefulCount keeps the digits of a vote counter, e.g. "1,204 有用" -> "1204".
// Text without digits is returned trimmed.
func NormalizeUsefulCount(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return text
	}
	if _, err := strconv.Atoi(b.String()); err != nil {
		return text
	}
	return b.String()
}

// RatingToNumeric converts the textual rating to a 1-5 scale. Unknown titles map to 0.
func RatingToNumeric(rating string) int {
	switch strings.TrimSpace(rating) {
	case "力荐", "Five", "5":
		return 5
	case "推荐", "Four", "4":
		return 4
	case "还行", "Three", "3":
		return 3
	case "较差", "Two", "2":
		return 2
	case "很差", "One", "1":
		return 1
	default:
		return 0
	}
}
