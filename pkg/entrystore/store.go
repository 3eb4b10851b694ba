package entrystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCASRetries is how many times a version-checked write re-attempts after
// a WATCH transaction is invalidated by a concurrent writer. Each retry re-reads
// the entry under a fresh WATCH, so a genuinely stale caller converges on a
// Conflict rather than spinning.
const DefaultCASRetries = 5

// ErrBusy is returned when a version-checked write could not complete within the
// retry budget because concurrent writers kept invalidating the transaction.
// It is transient: the caller should retry with backoff.
var ErrBusy = errors.New("entry is busy: concurrent writes kept invalidating the transaction")

// Client provides instance-scoped Redis operations for the entry store.
// All keys and channels are automatically namespaced with the instance name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
	casRetries   int

	// invoked between the watched read and EXEC on version-checked writes;
	// lets tests inject a contending writer into the window
	beforeExec func()
}

// NewClient creates a new entry store client for the specified instance.
// The client automatically namespaces all keys and channels with the instance name.
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		casRetries:   DefaultCASRetries,
	}, nil
}

// SetCASRetries overrides the retry budget for version-checked writes.
// Values below 1 are ignored.
func (c *Client) SetCASRetries(n int) {
	if n >= 1 {
		c.casRetries = n
	}
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
// Returns an error if Redis is not reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// CreateEntry writes a new analysis entry and publishes an entry:created event.
// The entry's version is forced to 1; creation is not a version-checked write.
// Timestamps and the last-modified stamps are derived from the creator.
func (c *Client) CreateEntry(ctx context.Context, e *Entry, actor Identity) (*Entry, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	e = e.Clone()
	e.Version = 1
	e.CreatedBy = actor.UserID
	e.CreatedAtMs = now
	e.LastModifiedBy = actor.UserID
	e.LastModifiedAtMs = now

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entry: %w", err)
	}

	hash, err := EntryToHash(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize entry: %w", err)
	}

	key := EntryKey(c.instanceName, e.ID)
	indexKey := AnalysisEntriesKey(c.instanceName, e.AnalysisID)

	// Entry hash and index membership commit together
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, hash)
		pipe.SAdd(ctx, indexKey, e.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write entry to Redis: %w", err)
	}

	c.publishEntryEvent(ctx, EventEntryCreated, e, actor)

	return e, nil
}

// GetEntry retrieves an entry by ID without any locking. Readers see the last
// committed state, which is explicitly allowed to be stale by the time the
// caller acts on it - that is what the version check on writes is for.
// Returns (nil, redis.Nil) if the entry doesn't exist; use IsNotFound() to check.
func (c *Client) GetEntry(ctx context.Context, entryID string) (*Entry, error) {
	key := EntryKey(c.instanceName, entryID)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	entry, err := HashToEntry(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize entry: %w", err)
	}

	return entry, nil
}

// ListEntries retrieves all entries of an analysis via the per-analysis index.
// Returns an empty slice if the analysis has no entries (not an error).
// Entries deleted between the index read and the hash reads are skipped.
func (c *Client) ListEntries(ctx context.Context, analysisID string) ([]*Entry, error) {
	indexKey := AnalysisEntriesKey(c.instanceName, analysisID)

	ids, err := c.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry index from Redis: %w", err)
	}

	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := c.GetEntry(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// ScanEntryIDs returns the IDs of all stored entries whose ID starts with
// idPrefix, across every analysis of this instance. Used for short ID
// resolution; SCAN is cursor-based so this never blocks Redis.
func (c *Client) ScanEntryIDs(ctx context.Context, idPrefix string) ([]string, error) {
	pattern := EntryKey(c.instanceName, idPrefix+"*")
	keyPrefix := EntryKey(c.instanceName, "")

	var ids []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan entry keys: %w", err)
	}

	return ids, nil
}

// UpdateEntry performs a version-checked update of an entry's payload fields.
//
// The stored version is compared against expectedVersion inside a WATCH window,
// and the write commits only if they match; the new version is expectedVersion+1.
// There are three outcomes:
//
//   - applied: returns the post-commit snapshot, publishes entry:updated (and
//     risk:updated when the change set touches risk fields)
//   - conflict: returns a Conflict built from the snapshot read inside the same
//     window - no additional read is needed, the detector already holds the
//     freshest state
//   - error: redis.Nil if the entry doesn't exist, ErrBusy if the retry budget
//     is exhausted, or a wrapped storage error
//
// Exactly one of the entry, the conflict, and the error is non-nil.
func (c *Client) UpdateEntry(ctx context.Context, entryID string, expectedVersion int, changes map[string]any, actor Identity) (*Entry, *Conflict, error) {
	if err := actor.Validate(); err != nil {
		return nil, nil, err
	}

	key := EntryKey(c.instanceName, entryID)

	var updated *Entry
	var conflict *Conflict

	txf := func(tx *redis.Tx) error {
		hashData, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to read entry from Redis: %w", err)
		}
		if len(hashData) == 0 {
			return redis.Nil
		}

		current, err := HashToEntry(hashData)
		if err != nil {
			return fmt.Errorf("failed to deserialize entry: %w", err)
		}

		if current.Version != expectedVersion {
			conflict = &Conflict{
				Kind:            ConflictKindUpdate,
				EntryID:         entryID,
				ExpectedVersion: expectedVersion,
				CurrentVersion:  current.Version,
				ServerData:      current,
				ClientChanges:   changes,
				ConflictingUser: current.LastModifiedBy,
				ConflictedAtMs:  current.LastModifiedAtMs,
			}
			return nil
		}

		next := current.Clone()
		for field, value := range changes {
			next.Fields[field] = value
		}
		next.Version = expectedVersion + 1
		next.LastModifiedBy = actor.UserID
		next.LastModifiedAtMs = time.Now().UnixMilli()

		hash, err := EntryToHash(next)
		if err != nil {
			return fmt.Errorf("failed to serialize entry: %w", err)
		}

		if c.beforeExec != nil {
			c.beforeExec()
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			return nil
		})
		if err != nil {
			return err
		}

		updated = next
		return nil
	}

	for attempt := 0; attempt < c.casRetries; attempt++ {
		updated, conflict = nil, nil

		err := c.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			// A concurrent writer committed between our read and EXEC.
			// Re-read under a fresh WATCH: a stale caller converges on Conflict.
			continue
		}
		if err != nil {
			if IsNotFound(err) {
				return nil, nil, err
			}
			return nil, nil, fmt.Errorf("failed to update entry: %w", err)
		}

		if conflict != nil {
			return nil, conflict, nil
		}

		c.publishEntryEvent(ctx, EventEntryUpdated, updated, actor)
		if TouchesRisk(changes) {
			c.publishEntryEvent(ctx, EventRiskUpdated, updated, actor)
		}

		return updated, nil, nil
	}

	return nil, nil, ErrBusy
}

// DeleteEntry performs a version-checked delete. The same WATCH discipline as
// UpdateEntry applies: a stale expectedVersion yields a Conflict carrying the
// current snapshot instead of silently destroying someone else's write.
// Publishes entry:deleted with the final snapshot on success.
func (c *Client) DeleteEntry(ctx context.Context, entryID string, expectedVersion int, actor Identity) (*Conflict, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}

	key := EntryKey(c.instanceName, entryID)

	var deleted *Entry
	var conflict *Conflict

	txf := func(tx *redis.Tx) error {
		hashData, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to read entry from Redis: %w", err)
		}
		if len(hashData) == 0 {
			return redis.Nil
		}

		current, err := HashToEntry(hashData)
		if err != nil {
			return fmt.Errorf("failed to deserialize entry: %w", err)
		}

		if current.Version != expectedVersion {
			conflict = &Conflict{
				Kind:            ConflictKindDelete,
				EntryID:         entryID,
				ExpectedVersion: expectedVersion,
				CurrentVersion:  current.Version,
				ServerData:      current,
				ConflictingUser: current.LastModifiedBy,
				ConflictedAtMs:  current.LastModifiedAtMs,
			}
			return nil
		}

		if c.beforeExec != nil {
			c.beforeExec()
		}

		indexKey := AnalysisEntriesKey(c.instanceName, current.AnalysisID)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, indexKey, entryID)
			return nil
		})
		if err != nil {
			return err
		}

		deleted = current
		return nil
	}

	for attempt := 0; attempt < c.casRetries; attempt++ {
		deleted, conflict = nil, nil

		err := c.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if IsNotFound(err) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to delete entry: %w", err)
		}

		if conflict != nil {
			return conflict, nil
		}

		c.publishEntryEvent(ctx, EventEntryDeleted, deleted, actor)

		return nil, nil
	}

	return nil, ErrBusy
}

// PublishEvent publishes a realtime event on the analysis channel.
// EmittedAtMs is stamped if the caller left it zero. Validates the event before
// publishing. Delivery is at-least-once with no replay: subscribers absent at
// publish time simply miss the event.
func (c *Client) PublishEvent(ctx context.Context, ev *Event) error {
	if ev.EmittedAtMs == 0 {
		ev.EmittedAtMs = time.Now().UnixMilli()
	}

	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := AnalysisEventsChannel(c.instanceName, ev.AnalysisID)
	if err := c.rdb.Publish(ctx, channel, eventJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// publishEntryEvent publishes an entry-scoped event with the entry snapshot as
// payload. It runs after the write committed, so a publish failure is logged
// and swallowed: broadcast delivery is best-effort and must never turn an
// applied write into an error the caller would retry against its own commit.
func (c *Client) publishEntryEvent(ctx context.Context, eventType EventType, e *Entry, actor Identity) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Printf("[EntryStore] Failed to marshal entry %s for %s event: %v", e.ID, eventType, err)
		return
	}

	err = c.PublishEvent(ctx, &Event{
		Type:       eventType,
		AnalysisID: e.AnalysisID,
		Actor:      actor.UserID,
		Payload:    payload,
	})
	if err != nil {
		log.Printf("[EntryStore] Failed to publish %s event for entry %s: %v", eventType, e.ID, err)
	}
}

// Subscription represents an active Pub/Sub subscription to one analysis channel.
// Caller must call Close() when done to clean up resources.
//
// Events published by a single source arrive on Events() in publish order; no
// ordering is guaranteed across different publishers.
type Subscription struct {
	events <-chan *Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of analysis events.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *Event {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures and other non-fatal issues.
// The subscription continues after errors - messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeEvents subscribes to the realtime event channel of one analysis.
// Returns a Subscription that delivers full event objects.
// Caller must call subscription.Close() when done.
// Context cancellation also stops the subscription.
//
// Events are delivered on a buffered channel (size 32) to prevent blocking.
// If the subscriber is too slow, events may be dropped by Redis Pub/Sub.
func (c *Client) SubscribeEvents(ctx context.Context, analysisID string) (*Subscription, error) {
	channel := AnalysisEventsChannel(c.instanceName, analysisID)
	pubsub := c.rdb.Subscribe(ctx, channel)

	eventsChan := make(chan *Event, 32)
	errorsChan := make(chan error, 32)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
// Use this to check if GetEntry, UpdateEntry, or DeleteEntry hit a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// IsBusy returns true if the error indicates the retry budget for a
// version-checked write was exhausted. Busy errors are safe to retry with backoff.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
