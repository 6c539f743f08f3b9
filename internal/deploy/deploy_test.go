package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/redeployr/internal/build"
	"github.com/loykin/redeployr/internal/source"
	"github.com/loykin/redeployr/internal/webhook"
)

const secret = "It's a Secret to Everybody"

type fakePuller struct {
	calls  atomic.Int32
	result source.Result
	err    error
}

func (f *fakePuller) Pull(context.Context) (source.Result, error) {
	f.calls.Add(1)
	return f.result, f.err
}

type fakeBuilder struct {
	calls  atomic.Int32
	report build.Report
	mode   atomic.Value
}

func (f *fakeBuilder) Build(_ context.Context, _, mode string) build.Report {
	f.calls.Add(1)
	f.mode.Store(mode)
	return f.report
}

type fakeRestarter struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (f *fakeRestarter) RestartAll(context.Context) error {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	return f.err
}

type fixture struct {
	o       *Orchestrator
	puller  *fakePuller
	builder *fakeBuilder
	restart *fakeRestarter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		puller:  &fakePuller{result: source.Result{Before: "aaa", After: "bbb", Changed: true}},
		builder: &fakeBuilder{report: build.Report{Success: true}},
		restart: &fakeRestarter{},
	}
	o, err := New(Config{
		Secret:      secret,
		ManualToken: "letmein",
		Branch:      "main",
		RepoPath:    t.TempDir(),
		BuildMode:   "production",
	}, f.puller, f.builder, f.restart, Options{})
	require.NoError(t, err)
	t.Cleanup(o.Close)
	f.o = o
	return f
}

func pushBody(branch string) []byte {
	return []byte(fmt.Sprintf(`{"ref":"refs/heads/%s","before":"aaa","after":"0123456789abcdef","repository":{"full_name":"acme/site"},"pusher":{"name":"dev"}}`, branch))
}

func signedPush(body []byte, delivery string) Trigger {
	return Trigger{
		Kind:       TriggerPush,
		Body:       body,
		Signature:  webhook.Sign(body, secret),
		Event:      "push",
		DeliveryID: delivery,
	}
}

func (f *fixture) assertUntouched(t *testing.T) {
	t.Helper()
	f.o.Wait()
	assert.Zero(t, f.restart.calls.Load(), "restart must not run")
	assert.Equal(t, Idle, f.o.State())
}

func TestNew_RequiresRestarter(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil, Options{})
	assert.ErrorIs(t, err, ErrNoRestarter)
}

func TestPush_TrackedBranchDeploys(t *testing.T) {
	f := newFixture(t)
	a := f.o.Handle(context.Background(), signedPush(pushBody("main"), "d-1"))
	assert.Equal(t, OutcomeSuccess, a.Outcome)
	assert.Equal(t, http.StatusOK, a.HTTPStatus())
	assert.Equal(t, "main", a.Branch)
	assert.Equal(t, "bbb", a.Commit)
	assert.NotEmpty(t, a.ID)

	f.o.Wait()
	assert.Equal(t, int32(1), f.puller.calls.Load())
	assert.Equal(t, int32(1), f.builder.calls.Load())
	assert.Equal(t, "production", f.builder.mode.Load())
	assert.Equal(t, int32(1), f.restart.calls.Load())
	assert.Equal(t, Idle, f.o.State())

	recent := f.o.Recent(1)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].RestartDone)
	assert.Empty(t, recent[0].RestartError)
}

func TestPush_UntrackedBranchSkipped(t *testing.T) {
	f := newFixture(t)
	a := f.o.Handle(context.Background(), signedPush(pushBody("feature/x"), "d-1"))
	assert.Equal(t, OutcomeSkipped, a.Outcome)
	assert.Equal(t, http.StatusOK, a.HTTPStatus())
	assert.Zero(t, f.puller.calls.Load())
	assert.Zero(t, f.builder.calls.Load())
	f.assertUntouched(t)
}

func TestPush_TamperedSignature(t *testing.T) {
	f := newFixture(t)
	tr := signedPush(pushBody("main"), "d-1")
	tr.Body = append([]byte(nil), tr.Body...)
	tr.Body[10] ^= 0x01
	a := f.o.Handle(context.Background(), tr)
	assert.Equal(t, OutcomeSignatureInvalid, a.Outcome)
	assert.Equal(t, http.StatusForbidden, a.HTTPStatus())
	assert.Zero(t, f.puller.calls.Load())
	f.assertUntouched(t)

	tr = signedPush(pushBody("main"), "d-2")
	tr.Signature = ""
	assert.Equal(t, OutcomeSignatureInvalid, f.o.Handle(context.Background(), tr).Outcome)
}

func TestPush_PingAndOtherEventsSkipped(t *testing.T) {
	f := newFixture(t)
	for _, ev := range []string{"ping", "issues"} {
		tr := signedPush([]byte(`{"zen":"hi"}`), "")
		tr.Event = ev
		a := f.o.Handle(context.Background(), tr)
		assert.Equal(t, OutcomeSkipped, a.Outcome, ev)
	}
	f.assertUntouched(t)
}

func TestPush_PullFailedLeavesWorkers(t *testing.T) {
	f := newFixture(t)
	f.puller.err = fmt.Errorf("%w: remote unreachable", source.ErrPull)
	a := f.o.Handle(context.Background(), signedPush(pushBody("main"), "d-1"))
	assert.Equal(t, OutcomePullFailed, a.Outcome)
	assert.Equal(t, http.StatusInternalServerError, a.HTTPStatus())
	assert.Contains(t, a.Err, "remote unreachable")
	assert.Zero(t, f.builder.calls.Load())
	f.assertUntouched(t)

	// A failed delivery can be retried.
	f.puller.err = nil
	a = f.o.Handle(context.Background(), signedPush(pushBody("main"), "d-1"))
	assert.Equal(t, OutcomeSuccess, a.Outcome)
}

func TestPush_BuildFailedNeverRestarts(t *testing.T) {
	f := newFixture(t)
	f.builder.report = build.Report{Diagnostics: []build.Diagnostic{{Line: 4, Text: "error TS2304: Cannot find name"}}}
	a := f.o.Handle(context.Background(), signedPush(pushBody("main"), "d-1"))
	assert.Equal(t, OutcomeBuildFailed, a.Outcome)
	assert.Equal(t, http.StatusInternalServerError, a.HTTPStatus())
	require.Len(t, a.Diagnostics, 1)
	assert.Contains(t, a.Err, build.ErrBuild.Error())
	f.assertUntouched(t)
}

func TestPush_DuplicateDeliverySkipped(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, OutcomeSuccess, f.o.Handle(context.Background(), signedPush(pushBody("main"), "d-1")).Outcome)
	f.o.Wait()
	a := f.o.Handle(context.Background(), signedPush(pushBody("main"), "d-1"))
	assert.Equal(t, OutcomeSkipped, a.Outcome)
	assert.Contains(t, a.Message, "duplicate")
	f.o.Wait()
	assert.Equal(t, int32(1), f.restart.calls.Load())
}

func TestManualToken(t *testing.T) {
	f := newFixture(t)
	a := f.o.Handle(context.Background(), Trigger{Kind: TriggerManualToken, Token: "letmein"})
	assert.Equal(t, OutcomeSuccess, a.Outcome)
	f.o.Wait()
	assert.Equal(t, int32(1), f.restart.calls.Load())
	assert.Zero(t, f.puller.calls.Load())
	assert.Zero(t, f.builder.calls.Load())

	a = f.o.Handle(context.Background(), Trigger{Kind: TriggerManualToken, Token: "wrong"})
	assert.Equal(t, OutcomeSignatureInvalid, a.Outcome)
	f.o.Wait()
	assert.Equal(t, int32(1), f.restart.calls.Load())
}

func TestDevChangeAndAdminRestartOnly(t *testing.T) {
	f := newFixture(t)
	for _, k := range []TriggerKind{TriggerDevChange, TriggerAdmin} {
		assert.Equal(t, OutcomeSuccess, f.o.Handle(context.Background(), Trigger{Kind: k}).Outcome)
		f.o.Wait()
	}
	assert.Equal(t, int32(2), f.restart.calls.Load())
	assert.Zero(t, f.puller.calls.Load())
}

func TestSchedule(t *testing.T) {
	f := newFixture(t)
	f.puller.result = source.Result{Before: "aaa", After: "aaa"}
	a := f.o.Handle(context.Background(), Trigger{Kind: TriggerSchedule})
	assert.Equal(t, OutcomeSkipped, a.Outcome)
	assert.Zero(t, f.builder.calls.Load())
	f.assertUntouched(t)

	f.puller.result = source.Result{Before: "aaa", After: "ccc", Changed: true}
	a = f.o.Handle(context.Background(), Trigger{Kind: TriggerSchedule})
	assert.Equal(t, OutcomeSuccess, a.Outcome)
	f.o.Wait()
	assert.Equal(t, int32(1), f.restart.calls.Load())
}

func TestBusyWhileRestarting(t *testing.T) {
	f := newFixture(t)
	f.restart.release = make(chan struct{})

	a := f.o.Handle(context.Background(), Trigger{Kind: TriggerAdmin})
	require.Equal(t, OutcomeSuccess, a.Outcome)
	assert.Equal(t, Restarting, f.o.State())

	busy := f.o.Handle(context.Background(), signedPush(pushBody("main"), "d-1"))
	assert.Equal(t, OutcomeBusy, busy.Outcome)
	assert.Equal(t, http.StatusConflict, busy.HTTPStatus())
	assert.Zero(t, f.puller.calls.Load())

	close(f.restart.release)
	f.o.Wait()
	assert.Equal(t, Idle, f.o.State())
	assert.Equal(t, int32(1), f.restart.calls.Load())
}

func TestConcurrentTriggersSingleRestart(t *testing.T) {
	f := newFixture(t)
	f.restart.release = make(chan struct{})

	var wg sync.WaitGroup
	var success atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.o.Handle(context.Background(), Trigger{Kind: TriggerDevChange}).Outcome == OutcomeSuccess {
				success.Add(1)
			}
		}()
	}
	wg.Wait()
	close(f.restart.release)
	f.o.Wait()
	assert.Equal(t, int32(1), success.Load())
	assert.Equal(t, int32(1), f.restart.calls.Load())
}

func TestRestartErrorRecorded(t *testing.T) {
	f := newFixture(t)
	f.restart.err = errors.New("kill timeout")
	a := f.o.Handle(context.Background(), Trigger{Kind: TriggerAdmin})
	assert.Equal(t, OutcomeSuccess, a.Outcome)
	f.o.Wait()
	recent := f.o.Recent(0)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].RestartDone)
	assert.Equal(t, "kill timeout", recent[0].RestartError)
}

func TestCallerCancelDoesNotAbortPipeline(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := f.o.Handle(ctx, signedPush(pushBody("main"), "d-1"))
	assert.Equal(t, OutcomeSuccess, a.Outcome)
	f.o.Wait()
	assert.Equal(t, int32(1), f.restart.calls.Load())
}

func TestRing(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 5; i++ {
		r.add(Attempt{ID: fmt.Sprint(i)})
	}
	got := r.last(0)
	require.Len(t, got, 3)
	assert.Equal(t, "4", got[0].ID)
	assert.Equal(t, "2", got[2].ID)
	assert.Len(t, r.last(2), 2)

	r.update("3", func(a *Attempt) { a.RestartDone = true })
	assert.True(t, r.last(2)[1].RestartDone)
}

func TestTriggerFromRequest(t *testing.T) {
	h := http.Header{}
	tr := TriggerFromRequest(h, []byte(`{"restart_token":"letmein"}`))
	assert.Equal(t, TriggerManualToken, tr.Kind)
	assert.Equal(t, "letmein", tr.Token)

	body := pushBody("main")
	h.Set(webhook.HeaderSignature, webhook.Sign(body, secret))
	h.Set(webhook.HeaderEvent, "push")
	h.Set(webhook.HeaderDelivery, "abc")
	tr = TriggerFromRequest(h, body)
	assert.Equal(t, TriggerPush, tr.Kind)
	assert.Equal(t, "push", tr.Event)
	assert.Equal(t, "abc", tr.DeliveryID)
	assert.Equal(t, body, tr.Body)

	tr = TriggerFromRequest(http.Header{}, []byte(`not json`))
	assert.Equal(t, TriggerPush, tr.Kind)
}

func TestStateAndOutcomeStrings(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "restarting", Restarting.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, http.StatusOK, OutcomeSkipped.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, OutcomePullFailed.HTTPStatus())
}

func TestCloseWaitsForRestart(t *testing.T) {
	f := newFixture(t)
	f.restart.release = make(chan struct{})
	f.o.Handle(context.Background(), Trigger{Kind: TriggerAdmin})
	done := make(chan struct{})
	go func() { f.o.Close(); close(done) }()
	select {
	case <-done:
		t.Fatal("Close returned while restart in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(f.restart.release)
	<-done
}

func TestTriggersRejectedAfterClose(t *testing.T) {
	f := newFixture(t)
	f.o.Close()

	for _, tr := range []Trigger{
		{Kind: TriggerAdmin},
		{Kind: TriggerManualToken, Token: "letmein"},
		signedPush(pushBody("main"), "d-closed"),
	} {
		a := f.o.Handle(context.Background(), tr)
		assert.Equal(t, OutcomeBusy, a.Outcome, tr.Kind)
		assert.Equal(t, http.StatusConflict, a.HTTPStatus())
		assert.Equal(t, msgShuttingDown, a.Message)
	}
	assert.Zero(t, f.puller.calls.Load())
	assert.Zero(t, f.builder.calls.Load())
	f.assertUntouched(t)
}
