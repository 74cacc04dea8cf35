package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/aluiziolira/go-scrape-reviews/models"
)

// ErrMalformedPage is returned when a body cannot be read as a listing page.
var ErrMalformedPage = errors.New("malformed page")

// ReviewExtractor pulls review records out of a listing page with CSS selectors.
type ReviewExtractor struct {
	sel config.Selectors
}

// NewReviewExtractor builds an extractor for the given selectors.
func NewReviewExtractor(sel config.Selectors) *ReviewExtractor {
	return &ReviewExtractor{sel: sel}
}

// Extract returns one record per listing item, in document order. An empty
// body is a page with no items.
func (x *ReviewExtractor) Extract(body []byte) ([]models.RawRecord, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPage, err)
	}

	items := doc.Find(x.sel.Item)
	records := make([]models.RawRecord, 0, items.Length())
	items.Each(func(_ int, item *goquery.Selection) {
		record := models.RawRecord{
			models.FieldRating:      x.field(item, x.sel.Rating, x.sel.RatingAttr),
			models.FieldReviewText:  x.field(item, x.sel.ReviewText, ""),
			models.FieldUsefulCount: x.field(item, x.sel.UsefulCount, ""),
		}
		records = append(records, record)
	})
	return records, nil
}

func (x *ReviewExtractor) field(item *goquery.Selection, selector, attr string) *string {
	if selector == "" {
		return nil
	}
	node := item.Find(selector).First()
	if node.Length() == 0 {
		return nil
	}
	var value string
	if attr != "" {
		v, ok := node.Attr(attr)
		if !ok {
			return nil
		}
		value = v
	} else {
		value = node.Text()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
