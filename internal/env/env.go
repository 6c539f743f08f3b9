package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes worker environments: the supervisor's OS environment as
// base, then global variables, then per-worker overrides.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = Parse(os.Environ())
}

// WithSet returns a copy with K=V set as a global variable.
func (e *Env) WithSet(k, v string) *Env {
	out := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		out.Var[kk] = vv
	}
	if k != "" {
		out.Var[k] = v
	}
	return out
}

// WithPairs returns a copy with every "K=V" entry set as a global variable.
func (e *Env) WithPairs(kvs []string) *Env {
	out := e
	for k, v := range Parse(kvs) {
		out = out.WithSet(k, v)
	}
	return out
}

// Merge composes the final environment: base, globals, then each overrides
// slice in order. ${VAR} references are expanded against the composed map
// (single pass, no recursion). Output is sorted by key.
func (e *Env) Merge(overrides ...[]string) []string {
	base := e.env
	if base == nil {
		base = Parse(os.Environ())
	}
	m := make(Var, len(base)+len(e.Var))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kvs := range overrides {
		for k, v := range Parse(kvs) {
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// Parse converts "K=V" entries into a map, skipping malformed entries
// and empty keys.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		return m[k]
	})
}
