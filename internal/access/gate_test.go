package access

import (
	"context"
	"testing"
	"time"

	"groupcast/internal/client"
	"groupcast/internal/clock"
	"groupcast/internal/model"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

type fakeClient struct {
	connected bool

	membershipErr error
	writeErr      error
	joinInviteErr error
	joinPublicErr error

	joinInviteCalls int
	joinPublicCalls int

	// clearOnJoin simulates a join that actually fixes membership.
	clearOnJoin bool
}

func (f *fakeClient) Connect(ctx context.Context) error { return nil }
func (f *fakeClient) IsConnected() bool                 { return f.connected }
func (f *fakeClient) Send(ctx context.Context, target, content string) (int64, error) {
	return 1, nil
}
func (f *fakeClient) SendComment(ctx context.Context, target string, anchorID int64, content string) (int64, error) {
	return 1, nil
}
func (f *fakeClient) CheckMembership(ctx context.Context, target string) error {
	return f.membershipErr
}
func (f *fakeClient) CheckWritePermission(ctx context.Context, target string) error {
	return f.writeErr
}
func (f *fakeClient) ResolveTarget(ctx context.Context, target string) (string, error) {
	return target, nil
}
func (f *fakeClient) JoinByInviteLink(ctx context.Context, link string) error {
	f.joinInviteCalls++
	if f.joinInviteErr == nil && f.clearOnJoin {
		f.membershipErr = nil
	}
	return f.joinInviteErr
}
func (f *fakeClient) JoinPublicTarget(ctx context.Context, target string) error {
	f.joinPublicCalls++
	if f.joinPublicErr == nil && f.clearOnJoin {
		f.membershipErr = nil
	}
	return f.joinPublicErr
}
func (f *fakeClient) AddEventHandler(h client.EventHandler) func() { return func() {} }
func (f *fakeClient) RecentMessages(ctx context.Context, target string, limit int) ([]client.Message, error) {
	return nil, nil
}

type fakeFactory map[string]*fakeClient

func (f fakeFactory) Client(accountID string) (client.Client, bool) {
	c, ok := f[accountID]
	return c, ok
}

func newGate(t *testing.T, clients fakeFactory, clk clock.Clock) (*Gate, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	return New(Config{}, clients, st, clk, logx.Nop()), st
}

func seedTarget(t *testing.T, st storage.Store, tgt model.Target) {
	t.Helper()
	if err := st.PutTarget(context.Background(), tgt); err != nil {
		t.Fatalf("seed target: %v", err)
	}
}

func TestReadyPair(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cl := &fakeClient{connected: true}
	g, st := newGate(t, fakeFactory{"a1": cl}, clock.NewFixed(time.Now()))
	seedTarget(t, st, model.Target{ID: "g1", Kind: model.TargetGroup, PlatformID: "@somegroup"})

	ready, blocked := g.CheckAndPrepare(ctx, "a1", "g1", model.TaskGroupPosting, false)
	if blocked != nil {
		t.Fatalf("blocked: %+v", blocked)
	}
	if ready.TargetID != "g1" || ready.PlatformID != "@somegroup" {
		t.Fatalf("ready: %+v", ready)
	}
}

func TestReferenceResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cl := &fakeClient{connected: true}
	g, st := newGate(t, fakeFactory{"a1": cl}, clock.NewFixed(time.Now()))
	seedTarget(t, st, model.Target{ID: "g1", PlatformID: "@stored"})

	// By platform identity of a stored record.
	ready, _ := g.CheckAndPrepare(ctx, "a1", "@stored", model.TaskGroupPosting, false)
	if ready == nil || ready.TargetID != "g1" {
		t.Fatalf("platform-id resolution: %+v", ready)
	}

	// Unknown reference falls back to itself.
	ready, _ = g.CheckAndPrepare(ctx, "a1", "@elsewhere", model.TaskGroupPosting, false)
	if ready == nil || ready.TargetID != "@elsewhere" || ready.PlatformID != "@elsewhere" {
		t.Fatalf("fallback resolution: %+v", ready)
	}

	// Empty reference blocks outright.
	_, blocked := g.CheckAndPrepare(ctx, "a1", "  ", model.TaskGroupPosting, false)
	if blocked == nil || blocked.Code != CodeAccessDenied {
		t.Fatalf("empty reference: %+v", blocked)
	}
}

func TestClientNotReady(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _ := newGate(t, fakeFactory{"down": {connected: false}}, clock.NewFixed(time.Now()))

	for _, acc := range []string{"missing", "down"} {
		_, blocked := g.CheckAndPrepare(ctx, acc, "@g", model.TaskGroupPosting, true)
		if blocked == nil || blocked.Code != CodeClientNotReady {
			t.Fatalf("%s: %+v", acc, blocked)
		}
		if blocked.AutoJoinAttempted {
			t.Fatalf("%s: join attempted without a client", acc)
		}
	}
}

func TestWriteForbiddenNotFixedByJoin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cl := &fakeClient{connected: true, writeErr: client.Errf(CodeWriteForbidden, "read only")}
	g, _ := newGate(t, fakeFactory{"a1": cl}, clock.NewFixed(time.Now()))

	_, blocked := g.CheckAndPrepare(ctx, "a1", "@g", model.TaskGroupPosting, true)
	if blocked == nil || blocked.Code != CodeWriteForbidden {
		t.Fatalf("blocked: %+v", blocked)
	}
	if blocked.AutoJoinAttempted || cl.joinPublicCalls != 0 {
		t.Fatal("join attempted for a write-permission failure")
	}
}

func TestMonitoringSkipsWriteCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cl := &fakeClient{connected: true, writeErr: client.Errf(CodeWriteForbidden, "read only")}
	g, _ := newGate(t, fakeFactory{"a1": cl}, clock.NewFixed(time.Now()))

	ready, blocked := g.CheckAndPrepare(ctx, "a1", "@chan", model.TaskChannelMonitoring, false)
	if blocked != nil {
		t.Fatalf("blocked: %+v", blocked)
	}
	if ready.PlatformID != "@chan" {
		t.Fatalf("ready: %+v", ready)
	}
}

func TestAutoJoinSucceeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cl := &fakeClient{
		connected:     true,
		membershipErr: client.Errf(CodeNotJoined, "not a member"),
		clearOnJoin:   true,
	}
	g, _ := newGate(t, fakeFactory{"a1": cl}, clock.NewFixed(time.Now()))

	ready, blocked := g.CheckAndPrepare(ctx, "a1", "@g", model.TaskGroupPosting, true)
	if blocked != nil {
		t.Fatalf("blocked: %+v", blocked)
	}
	if ready == nil || cl.joinPublicCalls != 1 {
		t.Fatalf("ready=%+v joins=%d", ready, cl.joinPublicCalls)
	}
}

func TestAutoJoinPrefersInviteLink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cl := &fakeClient{
		connected:     true,
		membershipErr: client.Errf(CodeNotJoined, "not a member"),
		clearOnJoin:   true,
	}
	g, st := newGate(t, fakeFactory{"a1": cl}, clock.NewFixed(time.Now()))
	seedTarget(t, st, model.Target{ID: "g1", PlatformID: "-100123", InviteLink: "https://t.me/+abc"})

	ready, blocked := g.CheckAndPrepare(ctx, "a1", "g1", model.TaskGroupPosting, true)
	if blocked != nil {
		t.Fatalf("blocked: %+v", blocked)
	}
	if ready == nil || cl.joinInviteCalls != 1 || cl.joinPublicCalls != 0 {
		t.Fatalf("ready=%+v invite=%d public=%d", ready, cl.joinInviteCalls, cl.joinPublicCalls)
	}
}

func TestPrivateTargetWithoutInvite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cl := &fakeClient{
		connected:     true,
		membershipErr: client.Errf(CodeNotJoined, "not a member"),
	}
	g, st := newGate(t, fakeFactory{"a1": cl}, clock.NewFixed(time.Now()))
	seedTarget(t, st, model.Target{ID: "g1", PlatformID: "-100123"})

	_, blocked := g.CheckAndPrepare(ctx, "a1", "g1", model.TaskGroupPosting, true)
	if blocked == nil || blocked.Code != CodePrivateNoInvite {
		t.Fatalf("blocked: %+v", blocked)
	}
	if !blocked.AutoJoinAttempted {
		t.Fatal("join attempt not flagged")
	}
}

func TestJoinCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cl := &fakeClient{
		connected:     true,
		membershipErr: client.Errf(CodeNotJoined, "not a member"),
		joinPublicErr: client.Errf(CodeJoinFailed, "rejected"),
	}
	clk := clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	g, _ := newGate(t, fakeFactory{"a1": cl}, clk)

	_, blocked := g.CheckAndPrepare(ctx, "a1", "@g", model.TaskGroupPosting, true)
	if blocked == nil || blocked.Code != CodeJoinFailed {
		t.Fatalf("first attempt: %+v", blocked)
	}

	// Within the cooldown window, no second join call goes out.
	clk.Advance(time.Minute)
	_, blocked = g.CheckAndPrepare(ctx, "a1", "@g", model.TaskGroupPosting, true)
	if blocked == nil || blocked.Code != CodeJoinCooldown {
		t.Fatalf("cooldown: %+v", blocked)
	}
	if cl.joinPublicCalls != 1 {
		t.Fatalf("join calls: got %d, want 1", cl.joinPublicCalls)
	}

	// After the cooldown a new attempt is allowed.
	clk.Advance(5 * time.Minute)
	cl.joinPublicErr = nil
	cl.clearOnJoin = true
	ready, blocked := g.CheckAndPrepare(ctx, "a1", "@g", model.TaskGroupPosting, true)
	if blocked != nil {
		t.Fatalf("after cooldown: %+v", blocked)
	}
	if ready == nil || cl.joinPublicCalls != 2 {
		t.Fatalf("ready=%+v joins=%d", ready, cl.joinPublicCalls)
	}
}

func TestPrecheckHistogram(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clients := fakeFactory{
		"ok":   {connected: true},
		"down": {connected: false},
	}
	g, _ := newGate(t, clients, clock.NewFixed(time.Now()))

	sum := g.Precheck(ctx, []string{"ok", "down"}, []string{"@g1", "@g2"}, model.TaskGroupPosting, false)
	if len(sum.Ready) != 2 {
		t.Fatalf("ready: got %d, want 2", len(sum.Ready))
	}
	if len(sum.Blocked) != 2 || sum.Reasons[CodeClientNotReady] != 2 {
		t.Fatalf("blocked: %+v reasons: %+v", sum.Blocked, sum.Reasons)
	}
}
