package webhook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v27/github"
)

// Push is the subset of a push event the deploy flow needs.
type Push struct {
	Ref        string
	Branch     string // empty for tag pushes
	Before     string
	After      string
	Repository string
	Pusher     string
	Deleted    bool
}

var ErrPayload = errors.New("invalid push payload")

// ParsePush decodes a push event body.
func ParsePush(body []byte) (Push, error) {
	ev, err := github.ParseWebHook("push", body)
	if err != nil {
		return Push{}, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	pe, ok := ev.(*github.PushEvent)
	if !ok {
		return Push{}, fmt.Errorf("%w: unexpected event %T", ErrPayload, ev)
	}
	p := Push{
		Ref:     pe.GetRef(),
		Before:  pe.GetBefore(),
		After:   pe.GetAfter(),
		Deleted: pe.GetDeleted(),
	}
	if p.Ref == "" {
		return Push{}, fmt.Errorf("%w: missing ref", ErrPayload)
	}
	p.Branch = BranchFromRef(p.Ref)
	if repo := pe.GetRepo(); repo != nil {
		p.Repository = repo.GetFullName()
	}
	if pusher := pe.GetPusher(); pusher != nil {
		p.Pusher = pusher.GetName()
	}
	return p, nil
}

// BranchFromRef returns the branch of a "refs/heads/<branch>" ref, or "" for
// other refs.
func BranchFromRef(ref string) string {
	if b, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return b
	}
	return ""
}
