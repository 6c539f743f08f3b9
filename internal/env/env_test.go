package env

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestMergePrecedence(t *testing.T) {
	t.Setenv("REDEPLOYR_TEST_BASE", "os")
	e := New()
	e.FromOS()
	e = e.WithSet("REDEPLOYR_TEST_BASE", "global").WithSet("ONLY_GLOBAL", "g")

	out := e.Merge([]string{"REDEPLOYR_TEST_BASE=worker"}, []string{"PORT=8081"})

	v, _ := lookup(out, "REDEPLOYR_TEST_BASE")
	assert.Equal(t, "worker", v)
	v, _ = lookup(out, "ONLY_GLOBAL")
	assert.Equal(t, "g", v)
	v, _ = lookup(out, "PORT")
	assert.Equal(t, "8081", v)
}

func TestMergeExpandsReferences(t *testing.T) {
	e := New().WithPairs([]string{"HOST=127.0.0.1", "PORT=9000"})
	out := e.Merge([]string{"ADDR=${HOST}:${PORT}"})
	v, ok := lookup(out, "ADDR")
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1:9000", v)
}

func TestWithSetDoesNotMutate(t *testing.T) {
	a := New().WithSet("A", "1")
	b := a.WithSet("B", "2")
	_, inA := a.Var["B"]
	assert.False(t, inA)
	assert.Equal(t, "2", b.Var["B"])
}

func TestParseSkipsMalformed(t *testing.T) {
	m := Parse([]string{"A=1", "=x", "noequals", "B=a=b"})
	assert.Equal(t, Var{"A": "1", "B": "a=b"}, m)
}

// FuzzMerge ensures Merge never panics and never emits empty keys.
func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("FOO=bar", "FOO=${FOO}")
	f.Add("X=$Y", "Y=${X}")

	f.Fuzz(func(t *testing.T, global string, per string) {
		e := New().WithPairs(strings.Split(global, "\n"))
		out := e.Merge(strings.Split(per, "\n"))
		for _, kv := range out {
			if !strings.Contains(kv, "=") || strings.HasPrefix(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
		}
	})
}
