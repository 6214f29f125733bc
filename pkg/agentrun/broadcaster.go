package agentrun

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/andhika/lumen/internal/observability"
)

// Update is one progress delivery. Surface is set when the observer should
// bring its UI forward for this session; it is requested at most once per
// stretch of unsnoozed activity.
type Update struct {
	Snapshot Snapshot
	Surface  bool
}

// SessionLists is the payload for session-list change notifications.
type SessionLists struct {
	Active []Session
	Recent []Session
}

// Observer receives one-way progress pushes. Implementations must not
// block; slow consumers should queue internally.
type Observer interface {
	OnProgress(update Update)
	OnSessionListChanged(lists SessionLists)
}

// observerState tracks the last snapshot version delivered per session,
// so unchanged snapshots are skipped for that observer.
type observerState struct {
	observer    Observer
	lastVersion map[string]uint64
}

// Broadcaster fans session changes out to registered observers,
// de-duplicating by the registry's per-session version counter and
// applying the snooze/auto-show visibility policy.
type Broadcaster struct {
	registry *Registry
	logger   zerolog.Logger

	// deliverMu serializes Notify end to end so each observer sees
	// snapshots in the order their versions were produced.
	deliverMu sync.Mutex

	mu                 sync.Mutex
	observers          map[string]*observerState
	surfaced           map[string]bool
	autoShowSuppressed bool
}

// NewBroadcaster creates a broadcaster over the registry and installs
// itself as the registry's change listener.
func NewBroadcaster(registry *Registry, logger zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		registry:  registry,
		logger:    logger.With().Str("component", "broadcaster").Logger(),
		observers: make(map[string]*observerState),
		surfaced:  make(map[string]bool),
	}
	registry.SetChangeListener(b.Notify)
	return b
}

// AddObserver registers an observer under the given ID and immediately
// sends it the current session lists so it starts consistent.
func (b *Broadcaster) AddObserver(id string, obs Observer) {
	b.mu.Lock()
	b.observers[id] = &observerState{
		observer:    obs,
		lastVersion: make(map[string]uint64),
	}
	count := len(b.observers)
	b.mu.Unlock()

	observability.SetObserverCount(count)
	b.logger.Debug().Str("observer_id", id).Int("observers", count).Msg("Observer added")

	obs.OnSessionListChanged(SessionLists{
		Active: b.registry.ListActive(),
		Recent: b.registry.ListRecent(0),
	})
}

// RemoveObserver drops an observer. Unknown IDs are ignored.
func (b *Broadcaster) RemoveObserver(id string) {
	b.mu.Lock()
	delete(b.observers, id)
	count := len(b.observers)
	b.mu.Unlock()

	observability.SetObserverCount(count)
	b.logger.Debug().Str("observer_id", id).Int("observers", count).Msg("Observer removed")
}

// SetAutoShowSuppressed toggles the global flag that keeps progress from
// surfacing UI even for unsnoozed sessions. Data delivery is unaffected.
func (b *Broadcaster) SetAutoShowSuppressed(suppressed bool) {
	b.mu.Lock()
	b.autoShowSuppressed = suppressed
	b.mu.Unlock()
}

// Notify pushes the session's current snapshot to every observer that has
// not yet seen this version, then refreshes the session lists. Called by
// the registry after each mutation; safe to call for IDs that were
// already evicted.
func (b *Broadcaster) Notify(sessionID string) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	snap, err := b.registry.GetSnapshot(sessionID)
	if err != nil {
		// Session evicted between mutation and notify; the list push
		// below still tells observers it is gone.
		b.broadcastLists()
		b.forgetSession(sessionID)
		return
	}

	b.mu.Lock()
	deliveries := make([]Observer, 0, len(b.observers))
	for _, state := range b.observers {
		if snap.Version <= state.lastVersion[sessionID] {
			observability.RecordBroadcast(false)
			continue
		}
		state.lastVersion[sessionID] = snap.Version
		deliveries = append(deliveries, state.observer)
	}
	surface := b.evaluateSurfaceLocked(snap, len(deliveries) > 0)
	b.mu.Unlock()

	update := Update{Snapshot: snap, Surface: surface}
	for _, obs := range deliveries {
		obs.OnProgress(update)
		observability.RecordBroadcast(true)
	}

	if snap.IsComplete {
		b.broadcastLists()
		b.forgetSession(sessionID)
	}
}

// evaluateSurfaceLocked applies the visibility policy: surface a
// non-terminal session once per stretch of unsnoozed activity. Snoozing
// resets the flag, so unsnoozing surfaces again on the next snapshot.
// The request is consumed only when a delivery will carry it; otherwise
// it stays pending until an observer is present.
func (b *Broadcaster) evaluateSurfaceLocked(snap Snapshot, willDeliver bool) bool {
	id := snap.SessionID
	if snap.IsComplete {
		return false
	}
	if snap.IsSnoozed {
		b.surfaced[id] = false
		return false
	}
	if !willDeliver || b.autoShowSuppressed || b.surfaced[id] {
		return false
	}
	b.surfaced[id] = true
	return true
}

func (b *Broadcaster) broadcastLists() {
	lists := SessionLists{
		Active: b.registry.ListActive(),
		Recent: b.registry.ListRecent(0),
	}

	b.mu.Lock()
	observers := make([]Observer, 0, len(b.observers))
	for _, state := range b.observers {
		observers = append(observers, state.observer)
	}
	b.mu.Unlock()

	for _, obs := range observers {
		obs.OnSessionListChanged(lists)
	}
}

// forgetSession drops per-session bookkeeping once the session is
// terminal or evicted.
func (b *Broadcaster) forgetSession(sessionID string) {
	b.mu.Lock()
	delete(b.surfaced, sessionID)
	for _, state := range b.observers {
		delete(state.lastVersion, sessionID)
	}
	b.mu.Unlock()
}
