package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"groupcast/internal/model"
	logx "groupcast/pkg/logx"
)

func TestTaskCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()

	task := model.Task{
		ID:         "t1",
		Type:       model.TaskGroupPosting,
		Title:      "morning run",
		AccountIDs: []string{"a1", "a2"},
		TargetIDs:  []string{"g1"},
		Config:     model.TaskConfig{IntervalMinutes: 15, MaxRetries: 3},
		Status:     model.TaskStopped,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.CreateTask(ctx, task); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create: got %v, want ErrExists", err)
	}

	got, err := st.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "morning run" || len(got.AccountIDs) != 2 {
		t.Fatalf("unexpected task: %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.AccountIDs[0] = "mutated"
	again, _ := st.GetTask(ctx, "t1")
	if again.AccountIDs[0] != "a1" {
		t.Fatal("stored task aliased the returned slice")
	}

	if err := st.SetTaskStatus(ctx, "t1", model.TaskRunning); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := st.SaveDispatchState(ctx, "t1", model.DispatchState{TargetCursor: 2, AccountCursor: 1}); err != nil {
		t.Fatalf("save dispatch state: %v", err)
	}
	got, _ = st.GetTask(ctx, "t1")
	if got.Status != model.TaskRunning || got.Config.Dispatch.TargetCursor != 2 {
		t.Fatalf("state not persisted: %+v", got)
	}

	if err := st.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetTask(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: got %v, want ErrNotFound", err)
	}
}

func TestRateRecordWindows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, off := range []time.Duration{-90 * time.Minute, -30 * time.Minute, -5 * time.Second, 0} {
		if err := st.AppendRateRecord(ctx, "a1", base.Add(off)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_ = st.AppendRateRecord(ctx, "other", base)

	n, err := st.CountRateRecords(ctx, "a1", base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("hour window: got %d, want 3", n)
	}

	// Boundary is exclusive: a record exactly at `since` does not count.
	n, _ = st.CountRateRecords(ctx, "a1", base)
	if n != 0 {
		t.Fatalf("exclusive boundary: got %d, want 0", n)
	}

	oldest, ok, err := st.OldestRateRecordSince(ctx, "a1", base.Add(-time.Hour))
	if err != nil || !ok {
		t.Fatalf("oldest: ok=%v err=%v", ok, err)
	}
	if !oldest.Equal(base.Add(-30 * time.Minute)) {
		t.Fatalf("oldest: got %v", oldest)
	}

	// Remove drops exactly one matching record; absent matches are a no-op.
	if err := st.RemoveRateRecord(ctx, "a1", base.Add(-5*time.Second)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	n, _ = st.CountRateRecords(ctx, "a1", base.Add(-time.Hour))
	if n != 2 {
		t.Fatalf("after remove: got %d, want 2", n)
	}
	if err := st.RemoveRateRecord(ctx, "a1", base.Add(-42*time.Minute)); err != nil {
		t.Fatalf("remove absent: %v", err)
	}

	pruned, err := st.PruneRateRecords(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned: got %d, want 1", pruned)
	}

	if err := st.DeleteRateRecords(ctx, "a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	n, _ = st.CountRateRecords(ctx, "a1", time.Time{})
	if n != 0 {
		t.Fatalf("after delete: got %d records", n)
	}
	n, _ = st.CountRateRecords(ctx, "other", time.Time{})
	if n != 1 {
		t.Fatal("delete touched another account")
	}
}

func TestFloodWaitUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()
	until := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if _, ok, _ := st.GetFloodWait(ctx, "a1"); ok {
		t.Fatal("unexpected flood wait")
	}
	if err := st.PutFloodWait(ctx, "a1", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Second put replaces, never stacks.
	if err := st.PutFloodWait(ctx, "a1", until.Add(time.Hour)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := st.GetFloodWait(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !got.Equal(until.Add(time.Hour)) {
		t.Fatalf("wait until: got %v", got)
	}

	if err := st.DeleteFloodWait(ctx, "a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.GetFloodWait(ctx, "a1"); ok {
		t.Fatal("flood wait survived delete")
	}
}

func TestDeliveryFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	recs := []model.DeliveryRecord{
		{ID: "d1", TaskID: "t1", AccountID: "a1", TargetID: "g1", Status: model.DeliverySent, SentAt: base},
		{ID: "d2", TaskID: "t1", AccountID: "a2", TargetID: "g1", Status: model.DeliveryFailed, SentAt: base.Add(time.Minute)},
		{ID: "d3", TaskID: "t2", AccountID: "a1", TargetID: "g2", Status: model.DeliverySent, SentAt: base.Add(2 * time.Minute)},
	}
	for _, r := range recs {
		if err := st.AppendDelivery(ctx, r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter DeliveryFilter
		want   int
	}{
		{"all", DeliveryFilter{}, 3},
		{"by task", DeliveryFilter{TaskID: "t1"}, 2},
		{"by account", DeliveryFilter{AccountID: "a1"}, 2},
		{"by status", DeliveryFilter{Status: model.DeliveryFailed}, 1},
		{"since", DeliveryFilter{Since: base}, 2},
		{"combined", DeliveryFilter{TaskID: "t1", AccountID: "a2"}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n, err := st.CountDeliveries(ctx, tc.filter)
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if n != tc.want {
				t.Fatalf("count: got %d, want %d", n, tc.want)
			}
		})
	}

	out, err := st.ListDeliveries(ctx, DeliveryFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 || out[0].ID != "d3" {
		t.Fatalf("list: want newest-first limit 2, got %+v", out)
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer st.Close()
}
