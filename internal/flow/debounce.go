package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// DefaultDebounceDelay is the quiet period a contact must stay silent before
// the coalesced batch is processed.
const DefaultDebounceDelay = 10 * time.Second

// Job is the action registered with the Debouncer and run when an entry
// fires. The closure must capture or re-derive current state at fire time
// because earlier closures in a burst are discarded.
type Job func(ctx context.Context) error

type debounceKey struct {
	contactID string
	channel   models.Channel
}

type debounceEntry struct {
	id     string // registration id, lets a stale timer detect it was replaced
	timer  *time.Timer
	count  int
	lastAt time.Time
	job    Job
}

// Debouncer coalesces bursts of inbound messages per (contact, channel) key
// into a single deferred job run. Each new registration for a pending key
// cancels and replaces the previous one, so the delay restarts from the most
// recent message and only the last closure runs.
//
// The Debouncer owns no business logic: it never touches the store or the
// model client, those live inside the registered job.
type Debouncer struct {
	mu      sync.Mutex
	entries map[debounceKey]*debounceEntry
	delay   time.Duration
}

// NewDebouncer creates a debouncer with the given default delay. A zero or
// negative delay falls back to DefaultDebounceDelay.
func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	return &Debouncer{
		entries: make(map[debounceKey]*debounceEntry),
		delay:   delay,
	}
}

// Schedule registers job to run after delay of inactivity for the given key.
// A pending registration for the same key is cancelled and replaced. A zero
// or negative delay uses the debouncer's default.
func (d *Debouncer) Schedule(contactID string, channel models.Channel, delay time.Duration, job Job) {
	if delay <= 0 {
		delay = d.delay
	}
	key := debounceKey{contactID: contactID, channel: channel}

	d.mu.Lock()
	defer d.mu.Unlock()

	count := 1
	if prev, ok := d.entries[key]; ok {
		prev.timer.Stop()
		count = prev.count + 1
	}
	entry := &debounceEntry{
		id:     uuid.NewString(),
		count:  count,
		lastAt: time.Now(),
		job:    job,
	}
	entry.timer = time.AfterFunc(delay, func() {
		d.fire(key, entry.id)
	})
	d.entries[key] = entry
	slog.Debug("Debouncer.Schedule: entry armed", "contactID", contactID, "channel", channel, "coalesced", count, "delay", delay)
}

// Cancel removes a pending registration without running it and reports
// whether one existed. Cancelling after fire is a no-op returning false.
func (d *Debouncer) Cancel(contactID string, channel models.Channel) bool {
	key := debounceKey{contactID: contactID, channel: channel}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(d.entries, key)
	slog.Debug("Debouncer.Cancel: entry removed", "contactID", contactID, "channel", channel)
	return true
}

// Peek returns the number of coalesced calls and the timestamp of the most
// recent one for a pending key. The boolean result is false when nothing is
// pending.
func (d *Debouncer) Peek(contactID string, channel models.Channel) (int, time.Time, bool) {
	key := debounceKey{contactID: contactID, channel: channel}

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[key]
	if !ok {
		return 0, time.Time{}, false
	}
	return entry.count, entry.lastAt, true
}

// CancelAll drops every pending registration, used on shutdown. Pending
// batches are lost; the next inbound message re-arms the funnel from the
// persisted flags.
func (d *Debouncer) CancelAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.entries)
	for key, entry := range d.entries {
		entry.timer.Stop()
		delete(d.entries, key)
	}
	if n > 0 {
		slog.Debug("Debouncer.CancelAll: dropped pending entries", "count", n)
	}
	return n
}

// fire runs when an entry's timer elapses. A stale timer whose registration
// was replaced or cancelled in the meantime is ignored rather than treated as
// an error. Job failures are caught and logged here so they never reach the
// timer machinery; the entry is not retried.
func (d *Debouncer) fire(key debounceKey, id string) {
	d.mu.Lock()
	entry, ok := d.entries[key]
	if !ok || entry.id != id {
		d.mu.Unlock()
		slog.Debug("Debouncer.fire: stale timer ignored", "contactID", key.contactID, "channel", key.channel)
		return
	}
	delete(d.entries, key)
	job := entry.job
	count := entry.count
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Debouncer.fire: job panicked", "contactID", key.contactID, "channel", key.channel, "panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := job(context.Background()); err != nil {
		slog.Error("Debouncer.fire: job failed", "error", err, "contactID", key.contactID, "channel", key.channel, "coalesced", count)
	}
}
