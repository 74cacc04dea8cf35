package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/gocolly/colly/v2"
)

// ErrorKind is the retry classification of a failed request.
type ErrorKind int

const (
	KindTransient ErrorKind = iota + 1
	KindRateLimited
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// StatusError is returned by fetchers for non-success HTTP responses.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d for %s", e.StatusCode, e.URL)
}

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrServer indicates a 5xx (or 408) response.
type ErrServer struct {
	Err error
}

func (e ErrServer) Error() string {
	return fmt.Errorf("server: %w", e.Err).Error()
}

func (e ErrServer) Unwrap() error {
	return e.Err
}

// ErrForbidden indicates a forbidden response (HTTP 403).
type ErrForbidden struct {
	Err error
}

func (e ErrForbidden) Error() string {
	return fmt.Errorf("forbidden: %w", e.Err).Error()
}

func (e ErrForbidden) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates a missing resource (HTTP 404).
type ErrNotFound struct {
	Err error
}

func (e ErrNotFound) Error() string {
	return fmt.Errorf("not_found: %w", e.Err).Error()
}

func (e ErrNotFound) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the target rate-limited the request.
type ErrRateLimited struct {
	Err error
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// ErrSessionInvalid indicates the endpoint rejected the session (HTTP 401).
// It always ends the run.
type ErrSessionInvalid struct {
	Err error
}

func (e ErrSessionInvalid) Error() string {
	return fmt.Errorf("session_invalid: %w", e.Err).Error()
}

func (e ErrSessionInvalid) Unwrap() error {
	return e.Err
}

// ErrBadRequest indicates a malformed or unroutable request.
type ErrBadRequest struct {
	Err error
}

func (e ErrBadRequest) Error() string {
	return fmt.Errorf("bad_request: %w", e.Err).Error()
}

func (e ErrBadRequest) Unwrap() error {
	return e.Err
}

// ErrRetriesExhausted is the permanent outcome of a request that kept
// failing with retryable errors.
type ErrRetriesExhausted struct {
	Attempts int
	Err      error
}

func (e ErrRetriesExhausted) Error() string {
	return fmt.Errorf("gave up after %d attempts: %w", e.Attempts, e.Err).Error()
}

func (e ErrRetriesExhausted) Unwrap() error {
	return e.Err
}

// ErrExtraction is a page- or record-local parsing failure.
type ErrExtraction struct {
	Page int
	Err  error
}

func (e ErrExtraction) Error() string {
	return fmt.Errorf("extraction (page %d): %w", e.Page, e.Err).Error()
}

func (e ErrExtraction) Unwrap() error {
	return e.Err
}

// ErrSink is a failure to store a single record.
type ErrSink struct {
	Err error
}

func (e ErrSink) Error() string {
	return fmt.Errorf("sink: %w", e.Err).Error()
}

func (e ErrSink) Unwrap() error {
	return e.Err
}

// ErrProtocolAnomaly reports a page with more items than requested.
type ErrProtocolAnomaly struct {
	Items    int
	PageSize int
}

func (e ErrProtocolAnomaly) Error() string {
	return fmt.Sprintf("protocol anomaly: page returned %d items, page size is %d", e.Items, e.PageSize)
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusUnauthorized:
			return ErrSessionInvalid{Err: wrapped}
		case statusCode == http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case statusCode == http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case statusCode == http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		case statusCode == http.StatusRequestTimeout || statusCode >= http.StatusInternalServerError:
			return ErrServer{Err: wrapped}
		case statusCode >= http.StatusBadRequest:
			return ErrBadRequest{Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	var urlErr *url.Error
	if errors.Is(err, colly.ErrForbiddenDomain) || errors.Is(err, colly.ErrMissingURL) || errors.As(err, &urlErr) {
		return ErrBadRequest{Err: err}
	}
	return err
}

// classify resolves status codes carried by StatusError before classification.
func classify(err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyError(err, statusErr.StatusCode)
	}
	return classifyError(err, 0)
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var server ErrServer
	if errors.As(err, &server) {
		return "server"
	}
	var session ErrSessionInvalid
	if errors.As(err, &session) {
		return "session_invalid"
	}
	var forbidden ErrForbidden
	if errors.As(err, &forbidden) {
		return "forbidden"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var badRequest ErrBadRequest
	if errors.As(err, &badRequest) {
		return "bad_request"
	}
	var extraction ErrExtraction
	if errors.As(err, &extraction) {
		return "extraction"
	}
	var sink ErrSink
	if errors.As(err, &sink) {
		return "sink"
	}
	var anomaly ErrProtocolAnomaly
	if errors.As(err, &anomaly) {
		return "protocol_anomaly"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "other"
}
