package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/aluiziolira/go-scrape-reviews/models"
)

var (
	// ErrPipelineClosed is returned when Append is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// WriteError reports a failed batch write. Lost counts records that earlier
// Append calls had accepted and that were dropped with the batch.
type WriteError struct {
	Lost int
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write batch: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// LostRecords returns how many previously accepted records were not stored.
func (e *WriteError) LostRecords() int {
	return e.Lost
}

// Permanent reports that the pipeline will reject every later record.
func (e *WriteError) Permanent() bool {
	return true
}

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(reviews []models.Review) error
	Close() error
	Validate() error
}

// Pipeline batches reviews into an OutputWriter. It is the crawl's sink:
// records arrive one at a time, in commit order.
type Pipeline struct {
	writer    OutputWriter
	batchSize int
	batch     []models.Review

	seen *lru.Cache[string, struct{}]

	metrics metrics

	mu     sync.Mutex // guards batch, closed and err
	closed bool
	err    error

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline writing batches of cfg.BatchSize. With
// cfg.Dedupe set, reviews whose content was seen within the last
// cfg.DedupeMaxSize records are dropped.
func NewPipeline(writer OutputWriter, cfg *config.Config) (*Pipeline, error) {
	if writer == nil {
		return nil, fmt.Errorf("writer is required")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	p := &Pipeline{
		writer:    writer,
		batchSize: batchSize,
		batch:     make([]models.Review, 0, batchSize),
		metrics:   newMetrics(),
		shutdown:  make(chan struct{}),
	}
	if cfg.Dedupe {
		seen, err := lru.New[string, struct{}](cfg.DedupeMaxSize)
		if err != nil {
			return nil, fmt.Errorf("create dedupe cache: %w", err)
		}
		p.seen = seen
	}
	return p, nil
}

// Append queues a review and writes the batch once it is full. A failed
// write returns a *WriteError and is sticky: every later call fails too.
func (p *Pipeline) Append(review models.Review) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if p.closed {
		return ErrPipelineClosed
	}

	if p.seen != nil {
		key := contentKey(review)
		if ok, _ := p.seen.ContainsOrAdd(key, struct{}{}); ok {
			p.metrics.addDuplicate()
			return nil
		}
	}

	p.batch = append(p.batch, review)
	p.metrics.incrementProcessed()
	if len(p.batch) >= p.batchSize {
		// the review just added was not acknowledged yet
		return p.flushLocked(len(p.batch) - 1)
	}
	return nil
}

// Flush writes any buffered reviews. On failure the returned *WriteError
// counts every buffered review as lost.
func (p *Pipeline) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	return p.flushLocked(len(p.batch))
}

// Close flushes the last batch, closes the writer and prevents more appends.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.Err()
	}
	var errs []error
	if p.err == nil {
		if err := p.flushLocked(len(p.batch)); err != nil {
			errs = append(errs, err)
		}
	} else {
		errs = append(errs, p.err)
	}
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	if err := p.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	return errors.Join(errs...)
}

// Err returns the first error encountered during writing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs until Close.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m := p.GetMetrics()
				slog.Info("pipeline progress",
					slog.Int64("processed_reviews", m["processed_reviews"].(int64)),
					slog.Int64("duplicates", m["duplicates"].(int64)),
					slog.Int64("batches_written", m["batches_written"].(int64)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) flushLocked(accepted int) error {
	if len(p.batch) == 0 {
		return nil
	}
	if err := p.writer.Write(p.batch); err != nil {
		p.err = &WriteError{Err: err}
		p.batch = p.batch[:0]
		slog.Error("batch write failed",
			slog.Int("lost_reviews", accepted),
			slog.Any("error", err),
		)
		return &WriteError{Lost: accepted, Err: err}
	}
	p.metrics.addBatch()
	p.batch = p.batch[:0]
	return nil
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

// contentKey hashes the review fields; page position is excluded so a review
// repeated on a shifted page still matches.
func contentKey(r models.Review) string {
	h := sha256.New()
	for _, field := range []*string{r.Rating, r.ReviewText, r.UsefulCount} {
		if field == nil {
			h.Write([]byte{0})
			continue
		}
		h.Write([]byte{1})
		h.Write([]byte(*field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	duplicates int64
	batches    int64
}

func newMetrics() metrics {
	return metrics{}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) addDuplicate() {
	m.mu.Lock()
	m.duplicates++
	m.mu.Unlock()
}

func (m *metrics) addBatch() {
	m.mu.Lock()
	m.batches++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return map[string]interface{}{
		"processed_reviews": m.processed,
		"duplicates":        m.duplicates,
		"batches_written":   m.batches,
	}
}
