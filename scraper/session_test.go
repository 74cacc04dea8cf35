package scraper

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCookies(lines ...string) http.Header {
	h := http.Header{}
	for _, line := range lines {
		h.Add("Set-Cookie", line)
	}
	return h
}

func TestSessionStateSeedsFromCookieLine(t *testing.T) {
	s := NewSessionState(`bid=abc; ll="118282"; broken; =x`, map[string]string{"Accept": "text/html", "Referer": ""})

	assert.Equal(t, map[string]string{"bid": "abc", "ll": `"118282"`}, s.Cookies())

	req := s.Apply(PageRequest{URL: "http://example.test"})
	assert.Equal(t, `bid=abc; ll="118282"`, req.Header.Get("Cookie"))
	assert.Equal(t, "text/html", req.Header.Get("Accept"))
	_, hasReferer := req.Header["Referer"]
	assert.False(t, hasReferer)
}

func TestSessionStateApplyDoesNotMutate(t *testing.T) {
	s := NewSessionState("a=1", nil)
	in := PageRequest{Header: http.Header{"User-Agent": []string{"ua"}}}

	out := s.Apply(in)
	out.Header.Set("X-Extra", "1")

	assert.Empty(t, in.Header.Get("Cookie"))
	assert.Empty(t, in.Header.Get("X-Extra"))
	assert.Equal(t, "ua", out.Header.Get("User-Agent"))
	assert.Equal(t, map[string]string{"a": "1"}, s.Cookies())
}

func TestSessionStateUpdateMergesCookies(t *testing.T) {
	s := NewSessionState("a=1; b=2", nil)

	s.Update(setCookies("b=3; Path=/", "c=4; HttpOnly"))

	assert.Equal(t, map[string]string{"a": "1", "b": "3", "c": "4"}, s.Cookies())
}

func TestSessionStateUpdateKeepsUnmentionedCookies(t *testing.T) {
	s := NewSessionState("a=1; b=2", nil)

	s.Update(http.Header{"Content-Type": []string{"text/html"}})
	s.Update(nil)

	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, s.Cookies())
}

func TestSessionStateUpdateHonorsExplicitExpiry(t *testing.T) {
	s := NewSessionState("a=1; b=2; c=3", nil)
	s.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }

	s.Update(setCookies(
		"a=; Max-Age=0",
		"b=gone; Expires=Thu, 01 Jan 1970 00:00:00 GMT",
		"c=fresh; Expires=Fri, 01 Jan 2100 00:00:00 GMT",
	))

	assert.Equal(t, map[string]string{"c": "fresh"}, s.Cookies())
}

func TestSessionStateCookieHeaderIsSorted(t *testing.T) {
	s := NewSessionState("z=1; a=2; m=3", nil)

	req := s.Apply(PageRequest{})

	require.NotNil(t, req.Header)
	assert.Equal(t, "a=2; m=3; z=1", req.Header.Get("Cookie"))
}

func TestUserAgentPool(t *testing.T) {
	pool := NewUserAgentPool([]string{"one", "two", "three"})
	pool.intn = func(n int) int { return n - 1 }

	assert.Equal(t, "three", pool.Pick())
	assert.Equal(t, "", NewUserAgentPool(nil).Pick())
}
