package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/brainbrawler/brainbrawler/internal/errors"
)

// roomRuntime is the per-room runtime state that never leaves this process:
// the mutex serializing every mutation for the room, and the room's own timer
// handles. Timers are owned here, never in a shared map keyed by ad hoc
// strings, so a superseding transition can cancel them deterministically.
type roomRuntime struct {
	mu sync.Mutex

	// refs counts goroutines currently inside withRoom for this room.
	// Guarded by Engine.mu, not by mu above.
	refs int

	deadline clockwork.Timer // current question's answer deadline
	advance  clockwork.Timer // inter-question delay / start countdown
	purge    clockwork.Timer // post-completion aggregate cleanup
}

// runtime returns the room's runtime, creating it if absent. Callers must
// already hold a ref on the room (be inside withRoom); bare use would race
// with eviction.
func (e *Engine) runtime(roomCode string) *roomRuntime {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomCode]
	if !ok {
		r = &roomRuntime{}
		e.rooms[roomCode] = r
	}
	return r
}

func (e *Engine) acquire(roomCode string) *roomRuntime {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomCode]
	if !ok {
		r = &roomRuntime{}
		e.rooms[roomCode] = r
	}
	r.refs++
	return r
}

// release drops the caller's ref. When evict is set and the runtime is idle
// (no refs, no armed timers) the map entry is removed, so actions against
// nonexistent room codes do not pin runtimes forever.
func (e *Engine) release(roomCode string, r *roomRuntime, evict bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r.refs--
	if evict && r.refs == 0 &&
		r.deadline == nil && r.advance == nil && r.purge == nil &&
		e.rooms[roomCode] == r {
		delete(e.rooms, roomCode)
	}
}

func (e *Engine) dropRuntime(roomCode string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.rooms[roomCode]; ok {
		stopTimer(r.deadline)
		stopTimer(r.advance)
		stopTimer(r.purge)
		delete(e.rooms, roomCode)
	}
}

// withRoom runs fn under the room's lock. All inbound actions and all timer
// callbacks for a room go through here; nothing mutates an aggregate outside
// of it.
func (e *Engine) withRoom(roomCode string, fn func() error) (err error) {
	r := e.acquire(roomCode)
	defer func() {
		e.release(roomCode, r, errors.IsCode(err, errors.CodeNotFound))
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	err = fn()
	return err
}

// scheduleDeadline arms the answer deadline for one question index. The
// callback re-checks the index under the room lock, so a deadline that lost
// the race against the all-answered path is a no-op.
func (e *Engine) scheduleDeadline(r *roomRuntime, roomCode string, questionIndex int, d time.Duration) {
	stopTimer(r.deadline)
	r.deadline = e.clock.AfterFunc(d, func() {
		e.timerCallback(roomCode, "question-deadline", func(ctx context.Context) {
			e.onDeadline(ctx, roomCode, questionIndex)
		})
	})
}

// scheduleAdvance arms the delay before the next question starts (also used
// for the 3s start countdown).
func (e *Engine) scheduleAdvance(r *roomRuntime, roomCode string, d time.Duration) {
	stopTimer(r.advance)
	r.advance = e.clock.AfterFunc(d, func() {
		e.timerCallback(roomCode, "question-start", func(ctx context.Context) {
			e.onQuestionStart(ctx, roomCode)
		})
	})
}

// schedulePurge arms the post-completion cleanup of the ephemeral aggregate.
func (e *Engine) schedulePurge(r *roomRuntime, roomCode string, d time.Duration) {
	stopTimer(r.purge)
	r.purge = e.clock.AfterFunc(d, func() {
		e.timerCallback(roomCode, "purge", func(ctx context.Context) {
			e.onPurge(ctx, roomCode)
		})
	})
}

// timerCallback is the entry point for every timer-driven transition. A panic
// here must not take down other rooms: it is caught and logged, and the room
// is left as-is (possibly stalled, which is an accepted degraded state).
func (e *Engine) timerCallback(roomCode, name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "engine: timer callback panic",
				"room", roomCode,
				"timer", name,
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}
	}()

	fn(ctx)
}

func stopTimer(t clockwork.Timer) {
	if t != nil {
		t.Stop()
	}
}
