// internal/assessment/manager.go
package assessment

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/wealthflow/internal/types"
)

// SubscribeFunc attaches a push-channel consumer to a live session. It runs
// on its own goroutine and should return when ctx is cancelled or the
// controller finishes.
type SubscribeFunc func(ctx context.Context, sessionID types.SessionID, ctrl *Controller)

// Manager resolves user identities to per-session controllers, constructing
// each at most once so guard and snapshot semantics hold across re-entrant
// callers. A shared semaphore bounds command execution across sessions.
type Manager struct {
	snapshots  types.SnapshotStore
	client     types.AssessmentClient
	resume     *ResumeChecker
	sem        *semaphore.Weighted
	subscriber SubscribeFunc
	ctrlOpts   []ControllerOption

	mu          sync.Mutex
	controllers map[types.UserKey]*Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerOption configures optional behavior on a Manager.
type ManagerOption func(*Manager)

// WithResumeChecker enables the history/resume check on cold sessions.
func WithResumeChecker(r *ResumeChecker) ManagerOption {
	return func(m *Manager) { m.resume = r }
}

// WithSubscriber sets the push-channel attachment for live sessions.
func WithSubscriber(fn SubscribeFunc) ManagerOption {
	return func(m *Manager) { m.subscriber = fn }
}

// WithControllerOptions forwards extra options to every controller built.
func WithControllerOptions(opts ...ControllerOption) ManagerOption {
	return func(m *Manager) { m.ctrlOpts = append(m.ctrlOpts, opts...) }
}

// NewManager creates a Manager with the given concurrency limit for
// simultaneously executing session commands.
func NewManager(snapshots types.SnapshotStore, client types.AssessmentClient, maxConcurrent int64, opts ...ManagerOption) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	m := &Manager{
		snapshots:   snapshots,
		client:      client,
		sem:         semaphore.NewWeighted(maxConcurrent),
		controllers: make(map[types.UserKey]*Controller),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start initialises the manager's context. Must be called before Resolve.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
}

// Stop cancels all controller loops and waits for them to drain.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Resolve returns the controller for the given identity, constructing and
// starting it on first contact. Construction loads the snapshot exactly once,
// attaches the push subscription for restored live sessions, and kicks off
// the resume check for cold ones.
func (m *Manager) Resolve(ctx context.Context, userID, email string) *Controller {
	key := types.NewUserKey(userID, email)

	m.mu.Lock()
	if ctrl, ok := m.controllers[key]; ok {
		m.mu.Unlock()
		return ctrl
	}
	m.mu.Unlock()

	// Construction loads the snapshot, which can be a remote round trip, so
	// it happens outside the lock. A racing caller for the same key may build
	// a duplicate; the insert below keeps exactly one, and the loser's copy
	// is discarded before its loop or callbacks ever start.
	opts := append([]ControllerOption{WithSemaphore(m.sem)}, m.ctrlOpts...)
	var ctrl *Controller
	if m.subscriber != nil {
		opts = append(opts, WithOnSessionActive(func(sessionID types.SessionID) {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.subscriber(m.ctx, sessionID, ctrl)
			}()
		}))
	}
	ctrl = NewController(ctx, userID, email, m.snapshots, m.client, opts...)

	m.mu.Lock()
	if existing, ok := m.controllers[key]; ok {
		m.mu.Unlock()
		return existing
	}
	m.controllers[key] = ctrl
	m.mu.Unlock()

	// The controller is not shared yet, so these reads are safe before the
	// loop starts.
	restored := ctrl.state.Session()
	needsSubscription := restored != nil && !ctrl.Finished()
	cold := ctrl.stage == StageNotStarted

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctrl.Run(m.ctx)
	}()

	if needsSubscription && m.subscriber != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.subscriber(m.ctx, restored.ID, ctrl)
		}()
	}
	if cold && m.resume != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.resume.Check(m.ctx, ctrl)
		}()
	}
	return ctrl
}
