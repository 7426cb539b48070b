// Package registry tracks one orchestrator per active call: insert on call
// start, remove on call end, nothing shared in between.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/banter/pkg/metrics"
	"github.com/harunnryd/banter/pkg/orchestrator"
)

var (
	ErrEmptyCallID = errors.New("registry: empty call id")
	ErrDraining    = errors.New("registry: draining, not accepting calls")
)

// Session is one live call's entry.
type Session struct {
	CallID    string
	Direction orchestrator.Direction
	Orch      *orchestrator.Orchestrator
	Ctx       context.Context
	Cancel    context.CancelFunc
	Created   time.Time
}

// Factory builds the orchestrator for a new call. ctx lives as long as the
// session; hang provider connections off it.
type Factory func(ctx context.Context, callID string, dir orchestrator.Direction, voice, displayName string) (*orchestrator.Orchestrator, error)

// Registry is the process-wide call table. The lock scope is the map
// operation itself, never a wait.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  Factory
	obs      metrics.Observer
	log      *slog.Logger
	draining atomic.Bool
}

func New(factory Factory, obs metrics.Observer, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{factory: factory, obs: obs, log: log}
}

// Start creates (or returns) the session for callID. The bool reports
// whether this call created it; a second Start for a live call returns the
// existing session untouched.
func (r *Registry) Start(callID string, dir orchestrator.Direction, voice, displayName string) (*Session, bool, error) {
	if callID == "" {
		return nil, false, ErrEmptyCallID
	}
	if r.draining.Load() {
		return nil, false, ErrDraining
	}
	if v, ok := r.sessions.Load(callID); ok {
		return v.(*Session), false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	orch, err := r.factory(ctx, callID, dir, voice, displayName)
	if err != nil {
		cancel()
		return nil, false, err
	}
	sess := &Session{
		CallID:    callID,
		Direction: dir,
		Orch:      orch,
		Ctx:       ctx,
		Cancel:    cancel,
		Created:   time.Now(),
	}
	actual, loaded := r.sessions.LoadOrStore(callID, sess)
	if loaded {
		// Lost the create race; the winner's session is the call's.
		cancel()
		return actual.(*Session), false, nil
	}
	r.count.Add(1)
	if r.obs != nil {
		r.obs.RecordEvent(metrics.CallEvent(metrics.EventCallStarted, callID, map[string]any{
			"direction": string(dir),
		}))
	}
	r.log.Info("call session started",
		slog.String("call_id", callID),
		slog.String("direction", string(dir)))
	return sess, true, nil
}

// Get looks up a live session.
func (r *Registry) Get(callID string) (*Session, bool) {
	if v, ok := r.sessions.Load(callID); ok {
		return v.(*Session), true
	}
	return nil, false
}

// End tears the session down: any in-flight turn is interrupted, the
// session context is cancelled, and the call's filler rotation state goes
// with it. Reports whether a session existed.
func (r *Registry) End(callID string) bool {
	v, ok := r.sessions.LoadAndDelete(callID)
	if !ok {
		return false
	}
	sess := v.(*Session)
	if sess.Orch != nil {
		sess.Orch.Interrupt()
	}
	if sess.Cancel != nil {
		sess.Cancel()
	}
	r.count.Add(-1)
	if r.obs != nil {
		r.obs.RecordEvent(metrics.CallEvent(metrics.EventCallEnded, callID, map[string]any{
			"duration_ms": time.Since(sess.Created).Milliseconds(),
		}))
	}
	r.log.Info("call session ended",
		slog.String("call_id", callID),
		slog.Int64("duration_ms", time.Since(sess.Created).Milliseconds()))
	return true
}

// CloseAll ends every live session.
func (r *Registry) CloseAll() {
	r.sessions.Range(func(key, _ any) bool {
		if callID, ok := key.(string); ok {
			r.End(callID)
		}
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

// WaitForEmpty polls until every session is gone or ctx expires.
func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
