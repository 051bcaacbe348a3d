package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pingur/internal/storage"
	"pingur/internal/transport"
	"pingur/internal/trigger"
	logx "pingur/pkg/logx"
)

var base = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

type recordSink struct {
	mu  sync.Mutex
	got []transport.Delivery
	err error
}

func (r *recordSink) Deliver(_ context.Context, d transport.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, d)
	return r.err
}

func (r *recordSink) deliveries() []transport.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Delivery(nil), r.got...)
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "pingur.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestService(t *testing.T, st storage.Store, sink transport.Sink) *Service {
	t.Helper()
	svc := New(Config{Enabled: true}, st, sink, nil, logx.Nop())
	svc.now = func() time.Time { return base }
	return svc
}

func seed(t *testing.T, st storage.Store, tenant storage.Tenant, schedules ...storage.Schedule) {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertTenant(ctx, tenant); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}
	for i := range schedules {
		if err := st.CreateSchedule(ctx, &schedules[i]); err != nil {
			t.Fatalf("CreateSchedule(%s): %v", schedules[i].ID, err)
		}
	}
}

func TestCycleFiresDueIntervalAndAdvances(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sink := &recordSink{}
	svc := newTestService(t, st, sink)

	due := base.Add(-time.Minute)
	seed(t, st,
		storage.Tenant{ID: "g", Destination: "channel:42", Timezone: "UTC"},
		storage.Schedule{
			ID: "s", TenantID: "g", Kind: trigger.KindInterval, TriggerSpec: "1h",
			Payload: "ping", State: storage.StateActive, NextFireAt: due, Version: 1,
		},
	)

	svc.Cycle(context.Background())

	got := sink.deliveries()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0].Destination != "channel:42" || got[0].Payload != "ping" {
		t.Fatalf("delivery = %+v", got[0])
	}

	sc, err := st.GetSchedule(context.Background(), "s")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if sc.State != storage.StateActive || sc.Version != 2 {
		t.Fatalf("schedule = %+v", sc)
	}
	// Anchored on the due instant, not on scan time.
	if want := due.Add(time.Hour); !sc.NextFireAt.Equal(want) {
		t.Fatalf("next = %v, want %v", sc.NextFireAt, want)
	}

	// Nothing is due anymore; a second cycle is a no-op.
	svc.Cycle(context.Background())
	if n := len(sink.deliveries()); n != 1 {
		t.Fatalf("deliveries after second cycle = %d, want 1", n)
	}
}

func TestCycleCompletesAbsolute(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sink := &recordSink{}
	svc := newTestService(t, st, sink)

	seed(t, st,
		storage.Tenant{ID: "g", Destination: "dm:7", Timezone: "UTC"},
		storage.Schedule{
			ID: "s", TenantID: "g", Kind: trigger.KindAbsolute, TriggerSpec: "2026-01-15T11:59",
			Payload: "reminder", State: storage.StateActive, NextFireAt: base.Add(-time.Minute), Version: 1,
		},
	)

	svc.Cycle(context.Background())

	if n := len(sink.deliveries()); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
	sc, _ := st.GetSchedule(context.Background(), "s")
	if sc.State != storage.StateCompleted || !sc.NextFireAt.IsZero() {
		t.Fatalf("schedule = %+v", sc)
	}
}

func TestConcurrentCyclesFireAtMostOnce(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sinkA := &recordSink{}
	sinkB := &recordSink{}
	a := newTestService(t, st, sinkA)
	b := newTestService(t, st, sinkB)

	seed(t, st,
		storage.Tenant{ID: "g", Destination: "channel:1", Timezone: "UTC"},
		storage.Schedule{
			ID: "s", TenantID: "g", Kind: trigger.KindAbsolute, TriggerSpec: "2026-01-15T11:00",
			Payload: "once", State: storage.StateActive, NextFireAt: base.Add(-time.Hour), Version: 1,
		},
	)

	var wg sync.WaitGroup
	for _, svc := range []*Service{a, b} {
		svc := svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Cycle(context.Background())
		}()
	}
	wg.Wait()

	total := len(sinkA.deliveries()) + len(sinkB.deliveries())
	if total != 1 {
		t.Fatalf("total deliveries = %d, want exactly 1", total)
	}
}

func TestSinkFailureStillConsumesOccurrence(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sink := &recordSink{err: errors.New("channel gone")}
	svc := newTestService(t, st, sink)

	seed(t, st,
		storage.Tenant{ID: "g", Destination: "channel:1", Timezone: "UTC"},
		storage.Schedule{
			ID: "s", TenantID: "g", Kind: trigger.KindInterval, TriggerSpec: "1h",
			Payload: "p", State: storage.StateActive, NextFireAt: base.Add(-time.Minute), Version: 1,
		},
	)

	svc.Cycle(context.Background())

	if n := len(sink.deliveries()); n != 1 {
		t.Fatalf("delivery attempts = %d, want 1", n)
	}
	// No retry: the schedule advanced despite the failure.
	sc, _ := st.GetSchedule(context.Background(), "s")
	if sc.Version != 2 || !sc.NextFireAt.After(base.Add(-time.Minute)) {
		t.Fatalf("schedule = %+v", sc)
	}
	svc.Cycle(context.Background())
	if n := len(sink.deliveries()); n != 1 {
		t.Fatalf("failed occurrence was retried: attempts = %d", n)
	}
}

func TestScheduleOverrideBeatsTenantDefault(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sink := &recordSink{}
	svc := newTestService(t, st, sink)

	seed(t, st,
		storage.Tenant{ID: "g", Destination: "channel:default", Timezone: "UTC"},
		storage.Schedule{
			ID: "s", TenantID: "g", Kind: trigger.KindInterval, TriggerSpec: "1h",
			Payload: "p", Destination: "dm:99", State: storage.StateActive,
			NextFireAt: base.Add(-time.Minute), Version: 1,
		},
	)

	svc.Cycle(context.Background())

	got := sink.deliveries()
	if len(got) != 1 || got[0].Destination != "dm:99" {
		t.Fatalf("deliveries = %+v, want the schedule override", got)
	}
}

func TestNoDestinationDropsOccurrence(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sink := &recordSink{}
	svc := newTestService(t, st, sink)

	seed(t, st,
		storage.Tenant{ID: "g", Timezone: "UTC"},
		storage.Schedule{
			ID: "s", TenantID: "g", Kind: trigger.KindInterval, TriggerSpec: "1h",
			Payload: "p", State: storage.StateActive, NextFireAt: base.Add(-time.Minute), Version: 1,
		},
	)

	svc.Cycle(context.Background())

	if n := len(sink.deliveries()); n != 0 {
		t.Fatalf("deliveries = %d, want 0", n)
	}
	// The occurrence is still consumed so it cannot wedge the scan.
	sc, _ := st.GetSchedule(context.Background(), "s")
	if sc.Version != 2 {
		t.Fatalf("schedule = %+v, want advanced", sc)
	}
}

func TestCatchUpReanchorsOnNow(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sink := &recordSink{}
	svc := newTestService(t, st, sink)

	// The engine was down for two hours on a 1m cadence: one delivery, then
	// the next fire re-anchors on scan time instead of replaying the backlog.
	seed(t, st,
		storage.Tenant{ID: "g", Destination: "channel:1", Timezone: "UTC"},
		storage.Schedule{
			ID: "s", TenantID: "g", Kind: trigger.KindInterval, TriggerSpec: "1m",
			Payload: "p", State: storage.StateActive, NextFireAt: base.Add(-2 * time.Hour), Version: 1,
		},
	)

	svc.Cycle(context.Background())

	if n := len(sink.deliveries()); n != 1 {
		t.Fatalf("deliveries = %d, want 1 (no replay)", n)
	}
	sc, _ := st.GetSchedule(context.Background(), "s")
	if want := base.Add(time.Minute); !sc.NextFireAt.Equal(want) {
		t.Fatalf("next = %v, want %v", sc.NextFireAt, want)
	}
}

func TestUnknownTimezoneLeavesScheduleDue(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sink := &recordSink{}
	svc := newTestService(t, st, sink)

	due := base.Add(-time.Minute)
	seed(t, st,
		storage.Tenant{ID: "g", Destination: "channel:1", Timezone: "Mars/Olympus"},
		storage.Schedule{
			ID: "s", TenantID: "g", Kind: trigger.KindInterval, TriggerSpec: "1h",
			Payload: "p", State: storage.StateActive, NextFireAt: due, Version: 1,
		},
	)

	svc.Cycle(context.Background())

	if n := len(sink.deliveries()); n != 0 {
		t.Fatalf("deliveries = %d, want 0", n)
	}
	// Untouched: fixed the moment the tenant timezone is repaired.
	sc, _ := st.GetSchedule(context.Background(), "s")
	if sc.Version != 1 || !sc.NextFireAt.Equal(due) {
		t.Fatalf("schedule = %+v, want untouched", sc)
	}
}
