//go:build integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dreylabs/drey/internal/api"
	"github.com/dreylabs/drey/internal/conflict"
	"github.com/dreylabs/drey/internal/realtime"
	"github.com/dreylabs/drey/internal/session"
	"github.com/dreylabs/drey/pkg/entrystore"
)

// setupRedis starts a Redis container for testing.
func setupRedis(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisURL := fmt.Sprintf("redis://%s:%s", host, port.Port())

	cleanup := func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}

	return redisURL, cleanup
}

// setupDaemon wires the full daemon stack against a Redis URL and serves it
// over httptest.
func setupDaemon(t *testing.T, redisURL string) (*entrystore.Client, *httptest.Server) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("Failed to parse Redis URL: %v", err)
	}

	store, err := entrystore.NewClient(opts, "test-instance")
	if err != nil {
		t.Fatalf("Failed to create entry store client: %v", err)
	}

	detector := conflict.NewDetector(store)
	sessions := session.NewManager(store, time.Minute)
	broadcaster := realtime.NewBroadcaster(store, sessions, nil)
	server := api.NewServer(store, detector, sessions, broadcaster)

	ts := httptest.NewServer(server.Router())

	t.Cleanup(func() {
		ts.Close()
		store.Close()
	})

	return store, ts
}

func doJSON(t *testing.T, method, url, user string, body any) (*http.Response, []byte) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Drey-User", user)
	req.Header.Set("X-Drey-Name", user)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, out.Bytes()
}

// TestDreyd_EntryLifecycle exercises create, version-checked update, stale
// conflict, and delete against real Redis.
func TestDreyd_EntryLifecycle(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	_, ts := setupDaemon(t, redisURL)

	// Create
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/analyses/a1/entries", "alice", map[string]any{
		"fields": map[string]any{"deviation": "no flow", "severity": 3},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.StatusCode, body)
	}

	var created struct {
		Version int `json:"version"`
		Entry   struct {
			ID string `json:"id"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("Failed to decode create response: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("Expected version 1, got %d", created.Version)
	}

	// Update at the right version
	resp, body = doJSON(t, http.MethodPut, ts.URL+"/entries/"+created.Entry.ID, "xenia", map[string]any{
		"expectedVersion": 1,
		"changes":         map[string]any{"severity": 4},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, body)
	}

	// Stale update
	resp, body = doJSON(t, http.MethodPut, ts.URL+"/entries/"+created.Entry.ID, "yuri", map[string]any{
		"expectedVersion": 1,
		"changes":         map[string]any{"severity": 5},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", resp.StatusCode, body)
	}

	var cf struct {
		CurrentVersion  int    `json:"currentVersion"`
		ConflictingUser string `json:"conflictingUser"`
	}
	if err := json.Unmarshal(body, &cf); err != nil {
		t.Fatalf("Failed to decode conflict body: %v", err)
	}
	if cf.CurrentVersion != 2 {
		t.Errorf("Expected currentVersion 2, got %d", cf.CurrentVersion)
	}
	if cf.ConflictingUser != "xenia" {
		t.Errorf("Expected conflictingUser xenia, got %s", cf.ConflictingUser)
	}

	// Delete at the current version
	resp, body = doJSON(t, http.MethodDelete, ts.URL+"/entries/"+created.Entry.ID+"?expectedVersion=2", "alice", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d: %s", resp.StatusCode, body)
	}
}

// TestDreyd_ConcurrentWriters verifies that with many writers racing on the
// same stale version against real Redis, exactly one wins.
func TestDreyd_ConcurrentWriters(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	store, ts := setupDaemon(t, redisURL)

	ctx := context.Background()
	entry := &entrystore.Entry{
		ID:         uuid.New().String(),
		AnalysisID: "a1",
		Fields:     map[string]any{"severity": 1},
	}
	if _, err := store.CreateEntry(ctx, entry, entrystore.Identity{UserID: "seed", DisplayName: "Seed"}); err != nil {
		t.Fatalf("Failed to seed entry: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	statuses := make([]int, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _ := doJSON(t, http.MethodPut, ts.URL+"/entries/"+entry.ID, fmt.Sprintf("user-%d", i), map[string]any{
				"expectedVersion": 1,
				"changes":         map[string]any{"severity": i + 2},
			})
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, code := range statuses {
		switch code {
		case http.StatusOK:
			wins++
		case http.StatusConflict:
			conflicts++
		default:
			t.Errorf("Unexpected status %d", code)
		}
	}
	if wins != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", wins)
	}
	if conflicts != writers-1 {
		t.Errorf("Expected %d conflicts, got %d", writers-1, conflicts)
	}

	final, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("Failed to read final entry: %v", err)
	}
	if final.Version != 2 {
		t.Errorf("Expected final version 2, got %d", final.Version)
	}
}

// TestDreyd_EventStream verifies that committed writes reach a Redis
// subscriber in order.
func TestDreyd_EventStream(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	store, ts := setupDaemon(t, redisURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := store.SubscribeEvents(ctx, "a1")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Close()

	// Give the subscriber time to attach
	time.Sleep(500 * time.Millisecond)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/analyses/a1/entries", "alice", map[string]any{
		"fields": map[string]any{"severity": 3},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.StatusCode, body)
	}

	select {
	case ev := <-sub.Events():
		if ev.Type != entrystore.EventEntryCreated {
			t.Errorf("Expected entry:created, got %s", ev.Type)
		}
		if ev.Actor != "alice" {
			t.Errorf("Expected actor alice, got %s", ev.Actor)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Did not receive entry:created event within timeout")
	}
}

// TestDreyd_HealthCheckEndpoint verifies /healthz reports Redis connectivity.
func TestDreyd_HealthCheckEndpoint(t *testing.T) {
	redisURL, cleanup := setupRedis(t)
	defer cleanup()

	_, ts := setupDaemon(t, redisURL)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("Failed to call health check: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}
