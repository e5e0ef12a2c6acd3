package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tkingovr/isnad/api"
)

func TestJSONLStore_WriteAndQuery(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	event := &api.Event{
		AuditID:   "a-1",
		Kind:      api.EventCreated,
		Status:    api.StatusPendingPayment,
		Component: "token-bridge",
	}
	if err := store.Write(ctx, event); err != nil {
		t.Fatal(err)
	}
	if event.ID == "" || event.Timestamp.IsZero() {
		t.Error("expected ID and timestamp to be filled in")
	}

	results, err := store.Query(ctx, api.QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Component != "token-bridge" {
		t.Errorf("expected component token-bridge, got %s", results[0].Component)
	}
}

func TestJSONLStore_QueryFilter(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	events := []*api.Event{
		{AuditID: "a-1", Kind: api.EventCreated},
		{AuditID: "a-1", Kind: api.EventProcessing},
		{AuditID: "a-2", Kind: api.EventCreated},
		{AuditID: "a-1", Kind: api.EventCompleted},
	}
	for _, e := range events {
		if err := store.Write(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	results, _ := store.Query(ctx, api.QueryFilter{Kind: api.EventCreated})
	if len(results) != 2 {
		t.Fatalf("expected 2 created events, got %d", len(results))
	}

	results, _ = store.Query(ctx, api.QueryFilter{AuditID: "a-1"})
	if len(results) != 3 {
		t.Fatalf("expected 3 events for a-1, got %d", len(results))
	}

	results, _ = store.Query(ctx, api.QueryFilter{Limit: 2, Offset: 1})
	if len(results) != 2 || results[0].Kind != api.EventProcessing {
		t.Fatalf("unexpected page: %+v", results)
	}

	results, _ = store.Query(ctx, api.QueryFilter{Offset: 10})
	if len(results) != 0 {
		t.Fatalf("expected empty page, got %d", len(results))
	}
}

func TestJSONLStore_Stats(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	events := []*api.Event{
		{AuditID: "a-1", Kind: api.EventCreated, Component: "vault"},
		{AuditID: "a-2", Kind: api.EventCreated, Component: "vault"},
		{AuditID: "a-1", Kind: api.EventProcessing, Component: "vault"},
		{AuditID: "a-1", Kind: api.EventFailed, Component: "vault"},
	}
	for _, e := range events {
		if err := store.Write(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEvents != 4 {
		t.Errorf("expected 4 total, got %d", stats.TotalEvents)
	}
	if stats.ByKind[api.EventCreated] != 2 {
		t.Errorf("expected 2 created, got %d", stats.ByKind[api.EventCreated])
	}
	if stats.ByComponent["vault"] != 2 {
		t.Errorf("expected 2 submissions for vault, got %d", stats.ByComponent["vault"])
	}
}

func TestJSONLStore_FileCreationAndReload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	if err := store.Write(context.Background(), &api.Event{Timestamp: now, AuditID: "a-1", Kind: api.EventCreated}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	expectedFile := filepath.Join(dir, now.Format(time.DateOnly)+".jsonl")
	if _, err := os.Stat(expectedFile); os.IsNotExist(err) {
		t.Fatalf("expected journal file %s to exist", expectedFile)
	}

	reopened, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	results, _ := reopened.Query(context.Background(), api.QueryFilter{AuditID: "a-1"})
	if len(results) != 1 {
		t.Fatalf("expected reloaded event, got %d", len(results))
	}
}

func TestJSONLStore_MemoryBound(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir(), WithMaxMemory(2))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Write(context.Background(), &api.Event{AuditID: id, Kind: api.EventCreated}); err != nil {
			t.Fatal(err)
		}
	}
	results, _ := store.Query(context.Background(), api.QueryFilter{})
	if len(results) != 2 || results[0].AuditID != "b" {
		t.Fatalf("expected oldest event evicted, got %+v", results)
	}
}

func TestJSONLStore_Subscribe(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ch, cancel := store.Subscribe(context.Background(), api.QueryFilter{AuditID: "a-1"})
	defer cancel()

	go func() {
		store.Write(context.Background(), &api.Event{AuditID: "a-2", Kind: api.EventCreated})
		store.Write(context.Background(), &api.Event{AuditID: "a-1", Kind: api.EventCompleted})
	}()

	select {
	case e := <-ch:
		if e.Kind != api.EventCompleted {
			t.Errorf("expected completed event, got %s", e.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscription event")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after cancel")
	}
}

func TestJSONLStore_SubscribeEndsWithContext(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, cancel := store.Subscribe(ctx, api.QueryFilter{})
	defer cancel()

	cancelCtx()
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription outlived its context")
	}

	// Writing after the subscriber left must not panic.
	if err := store.Write(context.Background(), &api.Event{AuditID: "a-1", Kind: api.EventCreated}); err != nil {
		t.Fatal(err)
	}
}

func TestJSONLStore_CloseEndsSubscriptions(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ch, cancel := store.Subscribe(context.Background(), api.QueryFilter{})
	defer cancel()

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after Close")
	}
	if err := store.Write(context.Background(), &api.Event{AuditID: "a-1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestJSONLStore_History(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir(), WithMaxMemory(3))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, e := range []*api.Event{
		{AuditID: "a-1", Kind: api.EventCreated, Status: api.StatusPendingPayment},
		{AuditID: "a-2", Kind: api.EventCreated, Status: api.StatusPendingPayment},
		{AuditID: "a-1", Kind: api.EventProcessing, Status: api.StatusProcessing},
		{AuditID: "a-1", Kind: api.EventCompleted, Status: api.StatusCompleted},
	} {
		if err := store.Write(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	// The first a-1 event fell out of the tail.
	history, _ := store.History(ctx, "a-1")
	if len(history) != 2 || history[0].Kind != api.EventProcessing || history[1].Kind != api.EventCompleted {
		t.Fatalf("unexpected history %+v", history)
	}
	if history, _ := store.History(ctx, "missing"); len(history) != 0 {
		t.Errorf("expected empty history, got %d", len(history))
	}

	results, _ := store.Query(ctx, api.QueryFilter{AuditID: "a-1", Status: api.StatusCompleted})
	if len(results) != 1 {
		t.Errorf("expected 1 completed event, got %d", len(results))
	}
}

func TestJSONLStore_StatsLifetime(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir, WithMaxMemory(1))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for _, e := range []*api.Event{
		{AuditID: "a-1", Kind: api.EventCreated, Component: "vault"},
		{AuditID: "a-2", Kind: api.EventCreated, Component: "vault"},
		{AuditID: "a-1", Kind: api.EventProcessing},
		{AuditID: "a-2", Kind: api.EventProcessing},
		{AuditID: "a-1", Kind: api.EventCompleted, Duration: 3 * time.Second},
		{AuditID: "a-1", Kind: api.EventAnchored},
	} {
		if err := store.Write(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	stats, _ := store.Stats(ctx)
	if stats.TotalEvents != 6 || stats.ByComponent["vault"] != 2 {
		t.Errorf("stats should count evicted events: %+v", stats)
	}
	if stats.InFlight != 1 || stats.MeanProcessingMs != 3000 {
		t.Errorf("unexpected in-flight/mean: %+v", stats)
	}
	store.Close()

	reopened, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	stats, _ = reopened.Stats(ctx)
	if stats.TotalEvents != 6 || stats.InFlight != 1 {
		t.Errorf("unexpected replayed stats %+v", stats)
	}
}
