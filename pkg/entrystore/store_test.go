package entrystore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func testActor(userID string) Identity {
	return Identity{UserID: userID, DisplayName: userID}
}

// createTestEntry writes a fresh entry and returns the stored snapshot.
func createTestEntry(t *testing.T, client *Client, analysisID string, fields map[string]any) *Entry {
	t.Helper()

	entry, err := client.CreateEntry(context.Background(), &Entry{
		ID:         uuid.New().String(),
		AnalysisID: analysisID,
		Fields:     fields,
	}, testActor("alice"))
	require.NoError(t, err)
	return entry
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
		assert.Equal(t, "test-instance", client.instanceName)
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})
}

func TestPing(t *testing.T) {
	client, _ := setupTestClient(t)

	err := client.Ping(context.Background())
	assert.NoError(t, err)
}

func TestCreateEntry(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("creates entry at version 1", func(t *testing.T) {
		entry := createTestEntry(t, client, "analysis-1", map[string]any{"severity": float64(3)})

		assert.Equal(t, 1, entry.Version)
		assert.Equal(t, "alice", entry.CreatedBy)
		assert.Equal(t, "alice", entry.LastModifiedBy)
		assert.NotZero(t, entry.CreatedAtMs)

		retrieved, err := client.GetEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, entry.ID, retrieved.ID)
		assert.Equal(t, 1, retrieved.Version)
		assert.Equal(t, float64(3), retrieved.Fields["severity"])
	})

	t.Run("rejects invalid entry", func(t *testing.T) {
		_, err := client.CreateEntry(ctx, &Entry{
			ID:         "not-a-uuid",
			AnalysisID: "analysis-1",
		}, testActor("alice"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid entry")
	})

	t.Run("rejects missing actor identity", func(t *testing.T) {
		_, err := client.CreateEntry(ctx, &Entry{
			ID:         uuid.New().String(),
			AnalysisID: "analysis-1",
		}, Identity{})
		assert.Error(t, err)
	})

	t.Run("adds entry to analysis index", func(t *testing.T) {
		entry := createTestEntry(t, client, "analysis-indexed", nil)

		entries, err := client.ListEntries(ctx, "analysis-indexed")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, entry.ID, entries[0].ID)
	})

	t.Run("publishes entry:created event", func(t *testing.T) {
		sub, err := client.SubscribeEvents(ctx, "analysis-events")
		require.NoError(t, err)
		defer sub.Close()

		entry := createTestEntry(t, client, "analysis-events", nil)

		select {
		case ev := <-sub.Events():
			assert.Equal(t, EventEntryCreated, ev.Type)
			assert.Equal(t, "analysis-events", ev.AnalysisID)
			assert.Equal(t, "alice", ev.Actor)
			assert.Contains(t, string(ev.Payload), entry.ID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for entry:created event")
		}
	})
}

func TestGetEntry(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("returns not found for missing entry", func(t *testing.T) {
		_, err := client.GetEntry(ctx, uuid.New().String())
		assert.True(t, IsNotFound(err))
	})

	t.Run("repeated reads without a write are identical", func(t *testing.T) {
		entry := createTestEntry(t, client, "analysis-1", map[string]any{"cause": "valve stuck"})

		first, err := client.GetEntry(ctx, entry.ID)
		require.NoError(t, err)
		second, err := client.GetEntry(ctx, entry.ID)
		require.NoError(t, err)

		assert.Equal(t, first.Version, second.Version)
		assert.Equal(t, first.Fields, second.Fields)
		assert.Equal(t, first.LastModifiedAtMs, second.LastModifiedAtMs)
	})
}

func TestUpdateEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("applies changes and bumps version", func(t *testing.T) {
		client, _ := setupTestClient(t)
		entry := createTestEntry(t, client, "analysis-1", map[string]any{"cause": "valve stuck"})

		updated, conflict, err := client.UpdateEntry(ctx, entry.ID, 1, map[string]any{"cause": "sensor drift", "impact": "high"}, testActor("bob"))
		require.NoError(t, err)
		require.Nil(t, conflict)

		assert.Equal(t, 2, updated.Version)
		assert.Equal(t, "sensor drift", updated.Fields["cause"])
		assert.Equal(t, "high", updated.Fields["impact"])
		assert.Equal(t, "bob", updated.LastModifiedBy)
	})

	t.Run("stale version yields conflict with current snapshot", func(t *testing.T) {
		client, _ := setupTestClient(t)

		// Entry at version 3: create, then bump twice
		entry := createTestEntry(t, client, "analysis-1", map[string]any{"severity": float64(2)})
		_, _, err := client.UpdateEntry(ctx, entry.ID, 1, map[string]any{"severity": float64(3)}, testActor("alice"))
		require.NoError(t, err)
		_, _, err = client.UpdateEntry(ctx, entry.ID, 2, map[string]any{"note": "reviewed"}, testActor("alice"))
		require.NoError(t, err)

		// X wins against version 3
		updated, conflict, err := client.UpdateEntry(ctx, entry.ID, 3, map[string]any{"severity": float64(4)}, testActor("x"))
		require.NoError(t, err)
		require.Nil(t, conflict)
		assert.Equal(t, 4, updated.Version)

		// Y also read version 3 and loses
		updated, conflict, err = client.UpdateEntry(ctx, entry.ID, 3, map[string]any{"severity": float64(5)}, testActor("y"))
		require.NoError(t, err)
		require.Nil(t, updated)
		require.NotNil(t, conflict)

		assert.Equal(t, ConflictKindUpdate, conflict.Kind)
		assert.Equal(t, 3, conflict.ExpectedVersion)
		assert.Equal(t, 4, conflict.CurrentVersion)
		assert.Equal(t, "x", conflict.ConflictingUser)
		assert.Equal(t, float64(4), conflict.ServerData.Fields["severity"])
		assert.Equal(t, float64(5), conflict.ClientChanges["severity"])

		// The loser's write must not have touched stored state
		current, err := client.GetEntry(ctx, entry.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, current.Version)
		assert.Equal(t, float64(4), current.Fields["severity"])
	})

	t.Run("returns not found for missing entry", func(t *testing.T) {
		client, _ := setupTestClient(t)
		_, _, err := client.UpdateEntry(ctx, uuid.New().String(), 1, map[string]any{"a": "b"}, testActor("alice"))
		assert.True(t, IsNotFound(err))
	})

	t.Run("publishes entry:updated event", func(t *testing.T) {
		client, _ := setupTestClient(t)
		entry := createTestEntry(t, client, "analysis-ev", nil)

		sub, err := client.SubscribeEvents(ctx, "analysis-ev")
		require.NoError(t, err)
		defer sub.Close()

		_, _, err = client.UpdateEntry(ctx, entry.ID, 1, map[string]any{"cause": "x"}, testActor("bob"))
		require.NoError(t, err)

		select {
		case ev := <-sub.Events():
			assert.Equal(t, EventEntryUpdated, ev.Type)
			assert.Equal(t, "bob", ev.Actor)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for entry:updated event")
		}
	})

	t.Run("risk field change additionally publishes risk:updated", func(t *testing.T) {
		client, _ := setupTestClient(t)
		entry := createTestEntry(t, client, "analysis-risk", nil)

		sub, err := client.SubscribeEvents(ctx, "analysis-risk")
		require.NoError(t, err)
		defer sub.Close()

		_, _, err = client.UpdateEntry(ctx, entry.ID, 1, map[string]any{"severity": float64(5)}, testActor("bob"))
		require.NoError(t, err)

		var types []EventType
		timeout := time.After(2 * time.Second)
		for len(types) < 2 {
			select {
			case ev := <-sub.Events():
				types = append(types, ev.Type)
			case <-timeout:
				t.Fatalf("timed out waiting for events, got %v", types)
			}
		}

		assert.Equal(t, []EventType{EventEntryUpdated, EventRiskUpdated}, types)
	})
}

// TestUpdateEntry_ConcurrentWriters verifies the core optimistic-concurrency
// property: of N concurrent writers using the same stale expected version,
// exactly one commits and every other receives a conflict.
func TestUpdateEntry_ConcurrentWriters(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	entry := createTestEntry(t, client, "analysis-race", map[string]any{"severity": float64(1)})

	const writers = 8
	var wg sync.WaitGroup
	results := make([]*Entry, writers)
	conflicts := make([]*Conflict, writers)
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], conflicts[i], errs[i] = client.UpdateEntry(ctx, entry.ID, 1,
				map[string]any{"winner": i}, testActor("writer"))
		}(i)
	}
	wg.Wait()

	wins, losses := 0, 0
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		if results[i] != nil {
			wins++
			assert.Equal(t, 2, results[i].Version, "winning version must be initial+1")
		}
		if conflicts[i] != nil {
			losses++
			assert.Equal(t, 2, conflicts[i].CurrentVersion)
			assert.Equal(t, 1, conflicts[i].ExpectedVersion)
		}
	}

	assert.Equal(t, 1, wins, "exactly one concurrent writer must win")
	assert.Equal(t, writers-1, losses, "every other writer must receive a conflict")

	current, err := client.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)
}

func TestDeleteEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes at matching version and clears index", func(t *testing.T) {
		client, _ := setupTestClient(t)
		entry := createTestEntry(t, client, "analysis-del", nil)

		conflict, err := client.DeleteEntry(ctx, entry.ID, 1, testActor("alice"))
		require.NoError(t, err)
		assert.Nil(t, conflict)

		_, err = client.GetEntry(ctx, entry.ID)
		assert.True(t, IsNotFound(err))

		entries, err := client.ListEntries(ctx, "analysis-del")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("stale version yields delete conflict", func(t *testing.T) {
		client, _ := setupTestClient(t)
		entry := createTestEntry(t, client, "analysis-del", nil)

		_, _, err := client.UpdateEntry(ctx, entry.ID, 1, map[string]any{"cause": "x"}, testActor("bob"))
		require.NoError(t, err)

		conflict, err := client.DeleteEntry(ctx, entry.ID, 1, testActor("alice"))
		require.NoError(t, err)
		require.NotNil(t, conflict)
		assert.Equal(t, ConflictKindDelete, conflict.Kind)
		assert.Equal(t, 2, conflict.CurrentVersion)
		assert.Equal(t, "bob", conflict.ConflictingUser)

		// Entry survives the rejected delete
		_, err = client.GetEntry(ctx, entry.ID)
		assert.NoError(t, err)
	})

	t.Run("returns not found for missing entry", func(t *testing.T) {
		client, _ := setupTestClient(t)
		_, err := client.DeleteEntry(ctx, uuid.New().String(), 1, testActor("alice"))
		assert.True(t, IsNotFound(err))
	})
}

func TestSubscribeEvents_Scoping(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	// Subscriber on analysis-a must never see analysis-b events
	sub, err := client.SubscribeEvents(ctx, "analysis-a")
	require.NoError(t, err)
	defer sub.Close()

	createTestEntry(t, client, "analysis-b", nil)
	entryA := createTestEntry(t, client, "analysis-a", nil)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "analysis-a", ev.AnalysisID)
		assert.Contains(t, string(ev.Payload), entryA.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for analysis-a event")
	}

	// Nothing else should arrive
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event leaked across analyses: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSubscribeEvents_Ordering(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	entry := createTestEntry(t, client, "analysis-ord", nil)

	sub, err := client.SubscribeEvents(ctx, "analysis-ord")
	require.NoError(t, err)
	defer sub.Close()

	// Sequential updates to one entry must arrive in commit order
	for v := 1; v <= 5; v++ {
		_, conflict, err := client.UpdateEntry(ctx, entry.ID, v, map[string]any{"step": v}, testActor("alice"))
		require.NoError(t, err)
		require.Nil(t, conflict)
	}

	var versions []int
	timeout := time.After(2 * time.Second)
	for len(versions) < 5 {
		select {
		case ev := <-sub.Events():
			if ev.Type != EventEntryUpdated {
				continue
			}
			var snapshot Entry
			require.NoError(t, json.Unmarshal(ev.Payload, &snapshot))
			versions = append(versions, snapshot.Version)
		case <-timeout:
			t.Fatalf("timed out waiting for update events, got %v", versions)
		}
	}

	assert.Equal(t, []int{2, 3, 4, 5, 6}, versions)
}

func TestPublishEvent(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("rejects invalid event type", func(t *testing.T) {
		err := client.PublishEvent(ctx, &Event{Type: "bogus", AnalysisID: "a"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid event")
	})

	t.Run("stamps emitted_at_ms", func(t *testing.T) {
		sub, err := client.SubscribeEvents(ctx, "analysis-stamp")
		require.NoError(t, err)
		defer sub.Close()

		err = client.PublishEvent(ctx, &Event{Type: EventUserJoined, AnalysisID: "analysis-stamp", Actor: "alice"})
		require.NoError(t, err)

		select {
		case ev := <-sub.Events():
			assert.NotZero(t, ev.EmittedAtMs)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	})
}

func TestIsBusy(t *testing.T) {
	assert.True(t, IsBusy(ErrBusy))
	assert.False(t, IsBusy(redis.Nil))
	assert.False(t, IsBusy(nil))
}

func TestCASRetryExhaustion(t *testing.T) {
	t.Run("update returns ErrBusy when contention outlasts the budget", func(t *testing.T) {
		client, mr := setupTestClient(t)
		entry := createTestEntry(t, client, "analysis-1", map[string]any{"note": "first"})

		// Touch the watched key inside every WATCH window so EXEC never
		// succeeds and the retry budget runs out.
		client.SetCASRetries(2)
		key := EntryKey("test-instance", entry.ID)
		client.beforeExec = func() {
			mr.HSet(key, "contended", "yes")
		}

		updated, conflict, err := client.UpdateEntry(context.Background(), entry.ID, entry.Version,
			map[string]any{"note": "second"}, testActor("bob"))
		require.Error(t, err)
		assert.True(t, IsBusy(err))
		assert.Nil(t, updated)
		assert.Nil(t, conflict)

		// The stored entry is untouched after exhaustion.
		client.beforeExec = nil
		stored, err := client.GetEntry(context.Background(), entry.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Version)
		assert.Equal(t, "first", stored.Fields["note"])
	})

	t.Run("delete returns ErrBusy when contention outlasts the budget", func(t *testing.T) {
		client, mr := setupTestClient(t)
		entry := createTestEntry(t, client, "analysis-1", map[string]any{"note": "keep"})

		client.SetCASRetries(2)
		key := EntryKey("test-instance", entry.ID)
		client.beforeExec = func() {
			mr.HSet(key, "contended", "yes")
		}

		conflict, err := client.DeleteEntry(context.Background(), entry.ID, entry.Version, testActor("bob"))
		require.Error(t, err)
		assert.True(t, IsBusy(err))
		assert.Nil(t, conflict)

		client.beforeExec = nil
		stored, err := client.GetEntry(context.Background(), entry.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Version)
	})

	t.Run("a single invalidation retries and applies", func(t *testing.T) {
		client, mr := setupTestClient(t)
		entry := createTestEntry(t, client, "analysis-1", map[string]any{"note": "first"})

		key := EntryKey("test-instance", entry.ID)
		fired := false
		client.beforeExec = func() {
			if !fired {
				fired = true
				mr.HSet(key, "contended", "yes")
			}
		}

		updated, conflict, err := client.UpdateEntry(context.Background(), entry.ID, entry.Version,
			map[string]any{"note": "second"}, testActor("bob"))
		require.NoError(t, err)
		require.Nil(t, conflict)
		assert.Equal(t, 2, updated.Version)
	})
}

func TestPublishFailureDoesNotRetractWrites(t *testing.T) {
	client, mr := setupTestClient(t)
	entry := createTestEntry(t, client, "analysis-1", map[string]any{"note": "x"})

	// The write already committed by the time the event goes out; with Redis
	// gone the publish can only be logged, never surfaced as an error.
	mr.Close()
	client.publishEntryEvent(context.Background(), EventEntryUpdated, entry, testActor("alice"))
}
