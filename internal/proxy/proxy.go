// Package proxy routes inbound requests to worker ports by path prefix.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/loykin/redeployr/internal/metrics"
)

// Route sends requests whose path starts with Prefix to Worker.
type Route struct {
	Prefix string `mapstructure:"prefix" json:"prefix"`
	Worker string `mapstructure:"worker" json:"worker"`
}

type target struct {
	prefix string
	worker string
	proxy  *httputil.ReverseProxy
}

// Router is an http.Handler forwarding to loopback worker ports. Routes are
// fixed at construction.
type Router struct {
	targets []target // longest prefix first
	log     *slog.Logger
}

// New builds a Router. Every route must name a worker in ports.
func New(routes []Route, ports map[string]int, log *slog.Logger) (*Router, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{log: log}
	seen := map[string]bool{}
	for _, rt := range routes {
		prefix := normalize(rt.Prefix)
		if seen[prefix] {
			return nil, fmt.Errorf("duplicate route prefix %q", prefix)
		}
		seen[prefix] = true
		port, ok := ports[rt.Worker]
		if !ok {
			return nil, fmt.Errorf("route %q names unknown worker %q", prefix, rt.Worker)
		}
		if port <= 0 {
			return nil, fmt.Errorf("worker %q has no port", rt.Worker)
		}
		u := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(port)}
		r.targets = append(r.targets, target{prefix: prefix, worker: rt.Worker, proxy: r.reverseProxy(rt.Worker, u)})
	}
	if len(r.targets) == 0 {
		return nil, errors.New("no proxy routes")
	}
	sort.SliceStable(r.targets, func(i, j int) bool {
		return len(r.targets[i].prefix) > len(r.targets[j].prefix)
	})
	return r, nil
}

func normalize(p string) string {
	p = "/" + strings.Trim(strings.TrimSpace(p), "/")
	return p
}

func (r *Router) reverseProxy(worker string, u *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
			// keep the client's Host header
			pr.Out.Host = pr.In.Host
		},
		// stream responses (SSE, chunked) without buffering
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			metrics.IncProxyError(worker)
			r.log.Warn("proxy upstream unavailable", "worker", worker, "path", req.URL.Path, "error", err)
			http.Error(w, "502 Bad Gateway: "+worker+" is unavailable", http.StatusBadGateway)
		},
	}
}

// Match returns the worker serving path: the longest prefix that matches on
// a path-segment boundary.
func (r *Router) Match(path string) (string, bool) {
	if t := r.match(path); t != nil {
		return t.worker, true
	}
	return "", false
}

func (r *Router) match(path string) *target {
	if path == "" {
		path = "/"
	}
	for i := range r.targets {
		t := &r.targets[i]
		if t.prefix == "/" || path == t.prefix || strings.HasPrefix(path, t.prefix+"/") {
			return t
		}
	}
	return nil
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	t := r.match(req.URL.Path)
	if t == nil {
		http.NotFound(w, req)
		return
	}
	t.proxy.ServeHTTP(w, req)
}

// Routes returns the configured routes, longest prefix first.
func (r *Router) Routes() []Route {
	out := make([]Route, len(r.targets))
	for i, t := range r.targets {
		out[i] = Route{Prefix: t.prefix, Worker: t.worker}
	}
	return out
}
