package parser

import (
	"testing"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/aluiziolira/go-scrape-reviews/models"
)

const listingPage = `<html><body><div id="comments">
<div class="comment-item">
  <span class="rating" title="力荐"></span>
  <span class="short">  first review  </span>
  <span class="votes">12</span>
</div>
<div class="comment-item">
  <span class="short">second review, no rating</span>
  <span class="votes">3</span>
</div>
<div class="comment-item">
  <span class="rating" title="较差"></span>
</div>
</div></body></html>`

func TestReviewExtractorExtract(t *testing.T) {
	x := NewReviewExtractor(config.DefaultSelectors())

	records, err := x.Extract([]byte(listingPage))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}

	if v, ok := records[0].Get(models.FieldRating); !ok || v != "力荐" {
		t.Errorf("first rating = %q/%v", v, ok)
	}
	if v, ok := records[0].Get(models.FieldReviewText); !ok || v != "first review" {
		t.Errorf("first text = %q/%v", v, ok)
	}
	if _, ok := records[1].Get(models.FieldRating); ok {
		t.Errorf("second record should have no rating")
	}
	if v, ok := records[1].Get(models.FieldUsefulCount); !ok || v != "3" {
		t.Errorf("second votes = %q/%v", v, ok)
	}
	if _, ok := records[2].Get(models.FieldReviewText); ok {
		t.Errorf("third record should have no text")
	}
}

func TestReviewExtractorNoItems(t *testing.T) {
	x := NewReviewExtractor(config.DefaultSelectors())

	records, err := x.Extract([]byte(`<html><body><div id="comments"></div></body></html>`))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records = %d, want 0", len(records))
	}
}

func TestReviewExtractorEmptyBody(t *testing.T) {
	x := NewReviewExtractor(config.DefaultSelectors())

	for _, body := range []string{"", "  \n\t"} {
		records, err := x.Extract([]byte(body))
		if err != nil {
			t.Fatalf("Extract(%q) error = %v", body, err)
		}
		if len(records) != 0 {
			t.Errorf("Extract(%q) returned %d records, want 0", body, len(records))
		}
	}
}
