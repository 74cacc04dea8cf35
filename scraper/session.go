package scraper

import (
	"math/rand/v2"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// PageRequest is an outbound request for one page.
type PageRequest struct {
	ID     string
	URL    string
	Page   int
	Spec   PageRequestSpec
	Header http.Header
}

// SessionState carries cookies and fixed headers across the requests of a run.
// Apply only reads and is safe to call from fetch workers; Update is the
// single mutator and runs once per committed response, in page order.
type SessionState struct {
	mu      sync.RWMutex
	cookies map[string]string
	headers map[string]string
	now     func() time.Time
}

// NewSessionState seeds a session from a Cookie header line ("a=1; b=2") and
// the headers sent with every request.
func NewSessionState(cookieLine string, headers map[string]string) *SessionState {
	s := &SessionState{
		cookies: parseCookieLine(cookieLine),
		headers: make(map[string]string, len(headers)),
		now:     time.Now,
	}
	for k, v := range headers {
		if v != "" {
			s.headers[k] = v
		}
	}
	return s
}

// Apply returns a copy of req carrying the session headers and cookies.
func (s *SessionState) Apply(req PageRequest) PageRequest {
	out := req
	if req.Header != nil {
		out.Header = req.Header.Clone()
	} else {
		out.Header = make(http.Header)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.headers {
		out.Header.Set(k, v)
	}
	if line := s.cookieHeader(); line != "" {
		out.Header.Set("Cookie", line)
	}
	return out
}

// Update merges Set-Cookie headers from a response, last write wins per
// name. A cookie is only dropped when the response explicitly expires it.
func (s *SessionState) Update(header http.Header) {
	if len(header) == 0 {
		return
	}
	resp := &http.Response{Header: header}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range resp.Cookies() {
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now)) {
			delete(s.cookies, c.Name)
			continue
		}
		value := c.Value
		if c.Quoted {
			value = `"` + value + `"`
		}
		s.cookies[c.Name] = value
	}
}

// Cookies returns a copy of the current cookie map.
func (s *SessionState) Cookies() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.cookies))
	for k, v := range s.cookies {
		out[k] = v
	}
	return out
}

func (s *SessionState) cookieHeader() string {
	if len(s.cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.cookies))
	for name := range s.cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(s.cookies[name])
	}
	return b.String()
}

// parseCookieLine splits a raw Cookie header leniently; browser-exported
// values are kept byte for byte.
func parseCookieLine(line string) map[string]string {
	cookies := make(map[string]string)
	for _, part := range strings.Split(line, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		cookies[name] = strings.TrimSpace(value)
	}
	return cookies
}

// UserAgentPool hands out a random User-Agent per request.
type UserAgentPool struct {
	agents []string
	intn   func(int) int
}

// NewUserAgentPool copies agents into a pool.
func NewUserAgentPool(agents []string) *UserAgentPool {
	return &UserAgentPool{agents: append([]string(nil), agents...), intn: rand.IntN}
}

// Pick returns one agent, or "" for an empty pool.
func (p *UserAgentPool) Pick() string {
	if len(p.agents) == 0 {
		return ""
	}
	return p.agents[p.intn(len(p.agents))]
}
