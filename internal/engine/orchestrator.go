package engine

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/papertrailhq/papertrail/internal/bus"
	"github.com/papertrailhq/papertrail/internal/merge"
	"github.com/papertrailhq/papertrail/internal/store"
)

// ErrSyncInProgress is returned when a sync is requested while another
// run is still active. Runs are never queued; the caller simply tries
// again later.
var ErrSyncInProgress = errors.New("sync already in progress")

// State is the orchestrator's externally visible phase.
type State string

const (
	StateIdle    State = "idle"
	StatePulling State = "pulling"
	StatePushing State = "pushing"
	StateError   State = "error"
)

// Status is the observable sync state, updated on every transition.
type Status struct {
	State      State
	LastPullAt time.Time
	LastPushAt time.Time
	IsPulling  bool
	IsPushing  bool
	PullError  string
	PushError  string
}

// Observer receives a status snapshot after each transition. Observers
// must be cheap; they run on the sync goroutine.
type Observer func(Status)

// SyncResult reports what a full sync accomplished.
type SyncResult struct {
	Pull     *merge.Result
	Push     *PushStats
	Duration time.Duration
}

// Orchestrator is the public entry point of the sync engine. It owns the
// idle/pulling/pushing/error state machine and is the single component
// that translates internal errors into observable status; everything
// below it returns plain error values.
type Orchestrator struct {
	store    *store.Store
	puller   *Puller
	resolver *merge.Resolver
	pusher   *Pusher
	bus      bus.Bus
	logger   *log.Logger

	// runMu guards the whole run: at most one logical sync worker per
	// device process.
	runMu   sync.Mutex
	running bool

	statusMu  sync.Mutex
	status    Status
	observers []Observer
}

// NewOrchestrator wires the engine together. events may be nil.
func NewOrchestrator(st *store.Store, puller *Puller, resolver *merge.Resolver, pusher *Pusher, events bus.Bus, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:    st,
		puller:   puller,
		resolver: resolver,
		pusher:   pusher,
		bus:      events,
		logger:   logger,
		status:   Status{State: StateIdle},
	}
}

// Status returns a snapshot of the current sync status.
func (o *Orchestrator) Status() Status {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return o.status
}

// AddObserver registers a status observer and returns a remove function.
func (o *Orchestrator) AddObserver(fn Observer) (remove func()) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()

	o.observers = append(o.observers, fn)
	idx := len(o.observers) - 1

	return func() {
		o.statusMu.Lock()
		defer o.statusMu.Unlock()
		o.observers[idx] = nil
	}
}

// FullSync runs Pull, then Merge, then Push, in that order.
//
// Pull-before-push is mandatory: a device must see what changed
// elsewhere before its queued edits overwrite server state. Returns
// ErrSyncInProgress when a run is already active.
func (o *Orchestrator) FullSync(ctx context.Context) (*SyncResult, error) {
	if !o.tryBegin() {
		return nil, ErrSyncInProgress
	}
	defer o.end()

	start := time.Now()
	result := &SyncResult{}

	// Pull + merge
	o.transition(func(s *Status) {
		s.State = StatePulling
		s.IsPulling = true
		s.PullError = ""
	})

	snap, err := o.puller.Pull(ctx)
	if err == nil {
		result.Pull, err = o.resolver.Apply(ctx, snap)
	}
	if err != nil {
		o.logger.Printf("Pull failed: %v", err)
		o.transition(func(s *Status) {
			s.State = StateError
			s.IsPulling = false
			s.PullError = err.Error()
		})
		o.toIdle()
		return nil, err
	}

	o.transition(func(s *Status) {
		s.IsPulling = false
		s.LastPullAt = time.Now()
	})

	// Push
	pushErr := o.runPush(ctx, result)
	result.Duration = time.Since(start)
	if pushErr != nil {
		return nil, pushErr
	}

	o.publishCompleted()
	return result, nil
}

// PushOnly flushes the mutation queue without pulling first. Used on
// connectivity-regained events for low latency; the next scheduled
// FullSync reconciles remote changes.
func (o *Orchestrator) PushOnly(ctx context.Context) (*SyncResult, error) {
	if !o.tryBegin() {
		return nil, ErrSyncInProgress
	}
	defer o.end()

	start := time.Now()
	result := &SyncResult{}

	if err := o.runPush(ctx, result); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	o.publishCompleted()
	return result, nil
}

// runPush executes the push phase with its state transitions.
func (o *Orchestrator) runPush(ctx context.Context, result *SyncResult) error {
	o.transition(func(s *Status) {
		s.State = StatePushing
		s.IsPushing = true
		s.PushError = ""
	})

	stats, err := o.pusher.Push(ctx)
	result.Push = stats

	if err != nil {
		o.logger.Printf("Push failed: %v", err)
		o.transition(func(s *Status) {
			s.State = StateError
			s.IsPushing = false
			s.PushError = err.Error()
		})
		o.toIdle()
		return err
	}

	if stats.DeadLettered > 0 {
		// Dead-letters are not a run failure, but they must be visible.
		o.transition(func(s *Status) {
			s.PushError = "some changes could not be synced; see dead-letter queue"
		})
	}

	o.transition(func(s *Status) {
		s.State = StateIdle
		s.IsPushing = false
		s.LastPushAt = time.Now()
	})
	return nil
}

// tryBegin implements the re-entrancy guard.
func (o *Orchestrator) tryBegin() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) end() {
	o.runMu.Lock()
	o.running = false
	o.runMu.Unlock()
}

// toIdle reports an Error state and immediately returns to Idle: the
// device stays safe to retry on the next scheduled sync.
func (o *Orchestrator) toIdle() {
	o.transition(func(s *Status) {
		s.State = StateIdle
		s.IsPulling = false
		s.IsPushing = false
	})
}

// transition mutates the status under lock and notifies observers.
func (o *Orchestrator) transition(mutate func(*Status)) {
	o.statusMu.Lock()
	mutate(&o.status)
	snapshot := o.status
	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)
	o.statusMu.Unlock()

	for _, fn := range observers {
		if fn != nil {
			fn(snapshot)
		}
	}
}

func (o *Orchestrator) publishCompleted() {
	if o.bus != nil {
		o.bus.Publish(bus.Event{Type: bus.EventSyncCompleted})
	}
}
