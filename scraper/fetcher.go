package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/proxy"

	"github.com/aluiziolira/go-scrape-reviews/config"
)

// Response is a fetched page.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher issues a single page request. Non-success statuses are returned
// as a *StatusError alongside the response.
type Fetcher interface {
	Fetch(ctx context.Context, req PageRequest) (*Response, error)
}

const (
	responseKey     = "response"
	requestIDHeader = "X-Scraper-Request-Id"
)

// CollyFetcher issues requests through a synchronous colly collector.
// Cookies are handled by SessionState, so the collector's jar is disabled.
type CollyFetcher struct {
	collector *colly.Collector
	transport *contextTransport
}

// NewCollyFetcher builds a fetcher configured from cfg.
func NewCollyFetcher(cfg *config.Config) (*CollyFetcher, error) {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.UserAgent(cfg.UserAgents[0]),
	)
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(cfg.Timeout)
	collector.DisableCookies()

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if len(cfg.Proxies) > 0 {
		switcher, err := proxy.RoundRobinProxySwitcher(cfg.Proxies...)
		if err != nil {
			return nil, fmt.Errorf("configure proxies: %w", err)
		}
		base.Proxy = switcher
	}

	f := &CollyFetcher{
		collector: collector,
		transport: &contextTransport{base: base, bound: make(map[string]*binding)},
	}
	collector.WithTransport(f.transport)

	collector.OnResponse(func(r *colly.Response) {
		header := http.Header{}
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		r.Ctx.Put(responseKey, &Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       r.Body,
		})
	})
	return f, nil
}

// WithTransport replaces the underlying round tripper.
func (f *CollyFetcher) WithTransport(rt http.RoundTripper) {
	f.transport.mu.Lock()
	f.transport.base = rt
	f.transport.mu.Unlock()
}

// Fetch performs a GET for req. ctx bounds the request on the wire.
func (f *CollyFetcher) Fetch(ctx context.Context, req PageRequest) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = fmt.Sprintf("page-%d", req.Page)
	}
	release := f.transport.bind(id, ctx)
	defer release()

	hdr := req.Header.Clone()
	if hdr == nil {
		hdr = http.Header{}
	}
	hdr.Set(requestIDHeader, id)

	cctx := colly.NewContext()
	if err := f.collector.Request(http.MethodGet, req.URL, nil, cctx, hdr); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, err
	}

	resp, ok := cctx.GetAny(responseKey).(*Response)
	if !ok {
		return nil, fmt.Errorf("no response recorded for %s", req.URL)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp, &StatusError{StatusCode: resp.StatusCode, URL: resp.URL}
	}
	return resp, nil
}

// contextTransport ties each outgoing request to the context of the Fetch
// call that issued it, keyed by an internal header that never leaves the
// process.
type contextTransport struct {
	mu    sync.Mutex
	base  http.RoundTripper
	bound map[string]*binding
}

type binding struct {
	ctx   context.Context
	stops []func()
}

func (t *contextTransport) bind(id string, ctx context.Context) func() {
	t.mu.Lock()
	t.bound[id] = &binding{ctx: ctx}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		b := t.bound[id]
		delete(t.bound, id)
		t.mu.Unlock()
		if b == nil {
			return
		}
		for _, stop := range b.stops {
			stop()
		}
	}
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	id := req.Header.Get(requestIDHeader)

	t.mu.Lock()
	base := t.base
	b := t.bound[id]
	var reqCtx context.Context = req.Context()
	if b != nil {
		ctx, cancel := context.WithCancel(req.Context())
		stopAfter := context.AfterFunc(b.ctx, cancel)
		b.stops = append(b.stops, func() {
			stopAfter()
			cancel()
		})
		reqCtx = ctx
	}
	t.mu.Unlock()

	out := req.Clone(reqCtx)
	out.Header.Del(requestIDHeader)
	return base.RoundTrip(out)
}
