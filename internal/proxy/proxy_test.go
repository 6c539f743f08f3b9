package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backend(t *testing.T, name string) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Worker", name)
		_, _ = fmt.Fprintf(w, "%s %s host=%s xff=%s", name, r.URL.RequestURI(), r.Host, r.Header.Get("X-Forwarded-For"))
	}))
	t.Cleanup(srv.Close)
	return portOf(t, srv.URL)
}

func portOf(t *testing.T, raw string) int {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return p
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return p
}

func TestNew_Validation(t *testing.T) {
	_, err := New([]Route{{Prefix: "/", Worker: "ghost"}}, map[string]int{"app": 1}, nil)
	assert.Error(t, err)
	_, err = New([]Route{{Prefix: "/a", Worker: "app"}, {Prefix: "a/", Worker: "app"}}, map[string]int{"app": 1}, nil)
	assert.Error(t, err, "duplicate prefix after normalization")
	_, err = New(nil, map[string]int{"app": 1}, nil)
	assert.Error(t, err)
	_, err = New([]Route{{Prefix: "/", Worker: "app"}}, map[string]int{"app": 0}, nil)
	assert.Error(t, err)
}

func TestMatch_LongestPrefixOnSegmentBoundary(t *testing.T) {
	r, err := New([]Route{
		{Prefix: "/", Worker: "app"},
		{Prefix: "/webhook", Worker: "webhook"},
		{Prefix: "/webhook/admin/", Worker: "admin"},
	}, map[string]int{"app": 1, "webhook": 2, "admin": 3}, nil)
	require.NoError(t, err)

	cases := map[string]string{
		"/":                    "app",
		"":                     "app",
		"/index.html":          "app",
		"/webhook":             "webhook",
		"/webhook/":            "webhook",
		"/webhook/github":      "webhook",
		"/webhookx":            "app",
		"/webhook/admin":       "admin",
		"/webhook/admin/users": "admin",
		"/webhook/administer":  "webhook",
	}
	for path, want := range cases {
		got, ok := r.Match(path)
		assert.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
	assert.Equal(t, "/webhook/admin", r.Routes()[0].Prefix)
}

func TestMatch_NoCatchAll(t *testing.T) {
	r, err := New([]Route{{Prefix: "/api", Worker: "app"}}, map[string]int{"app": 1}, nil)
	require.NoError(t, err)
	_, ok := r.Match("/other")
	assert.False(t, ok)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTP_ForwardsPathQueryAndHost(t *testing.T) {
	ports := map[string]int{"app": backend(t, "app"), "webhook": backend(t, "webhook")}
	r, err := New([]Route{{Prefix: "/", Worker: "app"}, {Prefix: "/webhook", Worker: "webhook"}}, ports, nil)
	require.NoError(t, err)
	front := httptest.NewServer(r)
	defer front.Close()

	req, _ := http.NewRequest(http.MethodGet, front.URL+"/webhook/push?x=1", nil)
	req.Host = "example.test"
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "webhook", resp.Header.Get("X-Worker"))
	s := string(body)
	assert.True(t, strings.HasPrefix(s, "webhook /webhook/push?x=1 host=example.test"), s)
	assert.Contains(t, s, "xff=127.0.0.1")

	resp, err = http.Get(front.URL + "/about")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.True(t, strings.HasPrefix(string(body), "app /about"))
}

func TestServeHTTP_UnreachableWorkerIs502(t *testing.T) {
	r, err := New([]Route{{Prefix: "/", Worker: "app"}}, map[string]int{"app": freePort(t)}, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "app")
}

func TestServeHTTP_StreamsWithoutBuffering(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		<-release
		_, _ = io.WriteString(w, "data: second\n\n")
	}))
	defer srv.Close()

	r, err := New([]Route{{Prefix: "/", Worker: "app"}}, map[string]int{"app": portOf(t, srv.URL)}, nil)
	require.NoError(t, err)
	front := httptest.NewServer(r)
	defer front.Close()
	defer close(release)

	resp, err := http.Get(front.URL + "/events")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(resp.Body).ReadString('\n')
		lines <- line
	}()
	select {
	case line := <-lines:
		assert.Equal(t, "data: first\n", line)
	case <-time.After(3 * time.Second):
		t.Fatal("first event was buffered by the proxy")
	}
}
