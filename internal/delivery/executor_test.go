package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"groupcast/internal/client"
	"groupcast/internal/clock"
	"groupcast/internal/model"
	"groupcast/internal/ratelimit"
	"groupcast/internal/storage"
	logx "groupcast/pkg/logx"
)

type stubRand struct{}

func (stubRand) Int63n(n int64) int64 { return 0 }
func (stubRand) Float64() float64     { return 0 }

type scriptedClient struct {
	connected bool
	// errs is consumed one per send; nil entries mean success.
	errs  []error
	calls int

	handler client.EventHandler
	recent  []client.Message
}

func (s *scriptedClient) Connect(ctx context.Context) error { return nil }
func (s *scriptedClient) IsConnected() bool                 { return s.connected }

func (s *scriptedClient) nextErr() error {
	var err error
	if s.calls < len(s.errs) {
		err = s.errs[s.calls]
	}
	s.calls++
	return err
}

func (s *scriptedClient) Send(ctx context.Context, target, content string) (int64, error) {
	if err := s.nextErr(); err != nil {
		return 0, err
	}
	return int64(100 + s.calls), nil
}

func (s *scriptedClient) SendComment(ctx context.Context, target string, anchorID int64, content string) (int64, error) {
	if err := s.nextErr(); err != nil {
		return 0, err
	}
	return int64(200 + s.calls), nil
}

func (s *scriptedClient) CheckMembership(ctx context.Context, target string) error      { return nil }
func (s *scriptedClient) CheckWritePermission(ctx context.Context, target string) error { return nil }
func (s *scriptedClient) ResolveTarget(ctx context.Context, target string) (string, error) {
	return target, nil
}
func (s *scriptedClient) JoinByInviteLink(ctx context.Context, link string) error   { return nil }
func (s *scriptedClient) JoinPublicTarget(ctx context.Context, target string) error { return nil }
func (s *scriptedClient) AddEventHandler(h client.EventHandler) func() {
	s.handler = h
	return func() { s.handler = nil }
}
func (s *scriptedClient) RecentMessages(ctx context.Context, target string, limit int) ([]client.Message, error) {
	return s.recent, nil
}

type scriptedFactory map[string]*scriptedClient

func (f scriptedFactory) Client(accountID string) (client.Client, bool) {
	c, ok := f[accountID]
	return c, ok
}

type harness struct {
	exec  *Executor
	store storage.Store
	clk   *clock.Fixed
	cl    *scriptedClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := storage.NewMemory()
	clk := clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	adm := ratelimit.New(ratelimit.Config{
		MaxPerSecond: 100, MaxPerHour: 1000, MaxPerDay: 10000,
		MinDelay: time.Millisecond, MaxDelay: time.Millisecond,
	}, st, clk, stubRand{}, logx.Nop())

	cl := &scriptedClient{connected: true}
	exec := New(Config{}, st, adm, scriptedFactory{"a1": cl}, clk, nil, logx.Nop())
	// Backoff and pacing must not stall the suite.
	exec.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	err := st.PutAccount(context.Background(), model.Account{
		ID: "a1", PoolStatus: model.PoolStatusOK, HealthScore: 100,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return &harness{exec: exec, store: st, clk: clk, cl: cl}
}

func (h *harness) req() Request {
	return Request{TaskID: "t1", AccountID: "a1", TargetID: "g1", Platform: "@g1", Content: "hello"}
}

func (h *harness) histCount(t *testing.T, status model.DeliveryStatus) int {
	t.Helper()
	n, err := h.store.CountDeliveries(context.Background(), storage.DeliveryFilter{Status: status})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestSendSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.exec.Send(ctx, h.req())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID == 0 || res.Attempt != 1 {
		t.Fatalf("result: %+v", res)
	}
	if h.histCount(t, model.DeliverySent) != 1 {
		t.Fatal("no success history entry")
	}
	// The send was recorded against the account's budget.
	n, _ := h.store.CountRateRecords(ctx, "a1", h.clk.Now().Add(-time.Minute))
	if n != 1 {
		t.Fatalf("rate records: got %d, want 1", n)
	}
}

func TestAdmissionRejectionSkipsNetwork(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	// Exhaust the daily budget directly.
	for i := 0; i < 10000; i++ {
		_ = h.store.AppendRateRecord(ctx, "a1", h.clk.Now().Add(-time.Hour))
	}
	_, err := h.exec.Send(ctx, h.req())
	f := AsFailure(err)
	if f == nil || f.Code != CodeRateLimited {
		t.Fatalf("failure: %v", err)
	}
	if h.cl.calls != 0 {
		t.Fatal("network contacted despite admission rejection")
	}
	if h.histCount(t, model.DeliveryFailed) != 1 {
		t.Fatal("rejection not recorded to history")
	}
}

func TestAdmissionFloodWaitRejection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_ = h.store.PutFloodWait(ctx, "a1", h.clk.Now().Add(90*time.Second))
	_, err := h.exec.Send(ctx, h.req())
	f := AsFailure(err)
	if f == nil || !f.FloodWait {
		t.Fatalf("failure: %v", err)
	}
	if f.WaitSeconds != 90 {
		t.Fatalf("wait seconds: got %d, want 90", f.WaitSeconds)
	}
	if h.cl.calls != 0 {
		t.Fatal("network contacted during flood wait")
	}
}

func TestClientNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.cl.connected = false

	_, err := h.exec.Send(ctx, h.req())
	f := AsFailure(err)
	if f == nil || f.Code != CodeClientNotFound || f.Retryable {
		t.Fatalf("failure: %v", err)
	}
	if h.histCount(t, model.DeliveryFailed) != 1 {
		t.Fatal("not recorded to history")
	}
}

func TestFloodWaitFalloutLeavesPoolStatusToController(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.cl.errs = []error{errors.New("retry after 30")}

	_, err := h.exec.Send(ctx, h.req())
	f := AsFailure(err)
	if f == nil || !f.FloodWait {
		t.Fatalf("failure: %v", err)
	}
	until, ok, _ := h.store.GetFloodWait(ctx, "a1")
	if !ok || !until.Equal(h.clk.Now().Add(30*time.Second)) {
		t.Fatalf("flood wait not propagated: ok=%v until=%v", ok, until)
	}
	acc, _ := h.store.GetAccount(ctx, "a1")
	if acc.PoolStatus != model.PoolStatusCooldown {
		t.Fatalf("pool status: got %s, want cooldown", acc.PoolStatus)
	}
}

func TestErrorFalloutEscalatesPoolStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.cl.errs = []error{errors.New("dial tcp: connection reset by peer")}

	_, _ = h.exec.Send(ctx, h.req())
	acc, _ := h.store.GetAccount(ctx, "a1")
	if acc.PoolStatus != model.PoolStatusError {
		t.Fatalf("pool status: got %s, want error", acc.PoolStatus)
	}

	// A banned-indicating error is terminal.
	h.cl.errs = append(h.cl.errs, errors.New("USER_DEACTIVATED"))
	_, _ = h.exec.Send(ctx, h.req())
	acc, _ = h.store.GetAccount(ctx, "a1")
	if acc.PoolStatus != model.PoolStatusBanned {
		t.Fatalf("pool status: got %s, want banned", acc.PoolStatus)
	}

	// Nothing downgrades banned, not even a success.
	h.cl.errs = append(h.cl.errs, nil)
	_, _ = h.exec.Send(ctx, h.req())
	acc, _ = h.store.GetAccount(ctx, "a1")
	if acc.PoolStatus != model.PoolStatusBanned {
		t.Fatalf("banned downgraded to %s", acc.PoolStatus)
	}
}

func TestSendWithRetryExhausts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.cl.errs = []error{
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
	}

	_, err := h.exec.SendWithRetry(ctx, h.req(), 3)
	if err == nil {
		t.Fatal("expected failure")
	}
	if h.cl.calls != 3 {
		t.Fatalf("attempts: got %d, want 3", h.cl.calls)
	}
}

func TestSendWithRetrySucceedsMidway(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.cl.errs = []error{errors.New("i/o timeout"), nil}

	res, err := h.exec.SendWithRetry(ctx, h.req(), 3)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Attempt != 2 || h.cl.calls != 2 {
		t.Fatalf("attempt=%d calls=%d, want 2/2", res.Attempt, h.cl.calls)
	}
}

func TestSendWithRetryStopsOnFloodWait(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.cl.errs = []error{errors.New("FLOOD_WAIT_120")}

	_, err := h.exec.SendWithRetry(ctx, h.req(), 5)
	f := AsFailure(err)
	if f == nil || !f.FloodWait {
		t.Fatalf("failure: %v", err)
	}
	if h.cl.calls != 1 {
		t.Fatalf("attempts: got %d, want 1", h.cl.calls)
	}
}

func TestSendWithRetryStopsOnNonRetryable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.cl.errs = []error{errors.New("Forbidden: not enough rights")}

	_, err := h.exec.SendWithRetry(ctx, h.req(), 5)
	f := AsFailure(err)
	if f == nil || f.Code != CodePermissionDenied {
		t.Fatalf("failure: %v", err)
	}
	if h.cl.calls != 1 {
		t.Fatalf("attempts: got %d, want 1", h.cl.calls)
	}
}

func TestConcurrentSendsShareOneWindowSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	clk := clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	adm := ratelimit.New(ratelimit.Config{
		MaxPerSecond: 1, MaxPerHour: 100, MaxPerDay: 1000,
		MinDelay: time.Millisecond, MaxDelay: time.Millisecond,
	}, st, clk, stubRand{}, logx.Nop())
	cl := &scriptedClient{connected: true}
	exec := New(Config{}, st, adm, scriptedFactory{"a1": cl}, clk, nil, logx.Nop())

	if err := st.PutAccount(ctx, model.Account{ID: "a1", PoolStatus: model.PoolStatusOK}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	// Park the first attempt between admission and the network call so the
	// second attempt overlaps with it inside the same one-second window.
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		once.Do(func() {
			close(inFlight)
			<-release
		})
		return nil
	}

	req := Request{TaskID: "t1", AccountID: "a1", TargetID: "g1", Platform: "@g1", Content: "hello"}
	firstErr := make(chan error, 1)
	go func() {
		_, err := exec.Send(ctx, req)
		firstErr <- err
	}()
	<-inFlight

	_, err := exec.Send(ctx, req)
	f := AsFailure(err)
	if f == nil || f.Code != CodeRateLimited {
		t.Fatalf("overlapping send admitted: %v", err)
	}

	close(release)
	if err := <-firstErr; err != nil {
		t.Fatalf("first send: %v", err)
	}

	if cl.calls != 1 {
		t.Fatalf("network calls: got %d, want 1", cl.calls)
	}
	n, _ := st.CountRateRecords(ctx, "a1", clk.Now().Add(-time.Second))
	if n != 1 {
		t.Fatalf("rate records in window: got %d, want 1", n)
	}
}

func TestFailedSendConsumesNoBudget(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.cl.errs = []error{errors.New("i/o timeout")}

	if _, err := h.exec.Send(ctx, h.req()); err == nil {
		t.Fatal("expected failure")
	}
	n, _ := h.store.CountRateRecords(ctx, "a1", h.clk.Now().Add(-time.Minute))
	if n != 0 {
		t.Fatalf("failed send consumed budget: %d records", n)
	}
}

func TestPreviewKeepsRunesIntact(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("日", 40) // 120 bytes of 3-byte runes
	got := preview(long)
	if !utf8.ValidString(got) {
		t.Fatalf("preview is not valid UTF-8: %q", got)
	}
	if len(got) != 78 {
		t.Fatalf("preview cut at %d bytes, want 78 (nearest rune boundary)", len(got))
	}
	if got := preview(strings.Repeat("a", 200)); len(got) != previewLen {
		t.Fatalf("ascii content cut at %d, want %d", len(got), previewLen)
	}
	if preview("short") != "short" {
		t.Fatal("short content modified")
	}
}

func TestCommentDelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	req := h.req()
	req.AnchorID = 555
	res, err := h.exec.Send(ctx, req)
	if err != nil {
		t.Fatalf("send comment: %v", err)
	}
	if res.MessageID < 200 {
		t.Fatalf("comment path not used: %+v", res)
	}
}
