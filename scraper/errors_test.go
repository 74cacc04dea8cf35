package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "connection reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), statusCode: 0, expected: "connection"},
		{name: "unauthorized", err: nil, statusCode: http.StatusUnauthorized, expected: "session_invalid"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "request timeout", err: nil, statusCode: http.StatusRequestTimeout, expected: "server"},
		{name: "bad gateway", err: nil, statusCode: http.StatusBadGateway, expected: "server"},
		{name: "gone", err: nil, statusCode: http.StatusGone, expected: "bad_request"},
		{name: "bad url", err: &url.Error{Op: "parse", URL: "::", Err: errors.New("missing scheme")}, statusCode: 0, expected: "bad_request"},
		{name: "canceled", err: context.Canceled, statusCode: 0, expected: "canceled"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestClassifyUsesStatusError(t *testing.T) {
	err := fmt.Errorf("fetch: %w", &StatusError{StatusCode: http.StatusServiceUnavailable, URL: "http://example.test"})

	classified := classify(err)
	var server ErrServer
	if !errors.As(classified, &server) {
		t.Fatalf("classify(%v) = %T, want ErrServer", err, classified)
	}
	var statusErr *StatusError
	if !errors.As(classified, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("classified error lost its status: %v", classified)
	}
}

func TestWrappedErrorLabels(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{err: ErrRetriesExhausted{Attempts: 3, Err: ErrServer{Err: errors.New("503")}}, expected: "server"},
		{err: ErrExtraction{Page: 2, Err: errors.New("bad markup")}, expected: "extraction"},
		{err: ErrSink{Err: errors.New("disk full")}, expected: "sink"},
		{err: ErrProtocolAnomaly{Items: 25, PageSize: 20}, expected: "protocol_anomaly"},
	}

	for _, tt := range tests {
		if got := errorTypeLabel(tt.err); got != tt.expected {
			t.Errorf("errorTypeLabel(%v) = %q, want %q", tt.err, got, tt.expected)
		}
	}
}
