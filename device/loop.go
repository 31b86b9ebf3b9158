// Package device runs the controller's single cooperative loop. One
// goroutine owns every piece of mutable device state (playback
// cursor, metadata index, write session, diagnostic ring); request
// handlers and background watchers hand closures to the loop instead
// of touching state themselves, so mutual exclusion is structural and
// there are no locks.
package device

import (
	"context"
	"time"

	"Px1LED/diag"
	"Px1LED/player"
	"Px1LED/store"
)

type task struct {
	fn   func()
	done chan struct{}
}

// Loop multiplexes submitted work with the playback tick, the memory
// guardian cadence and the stalled-upload sweep. No unit of work may
// block; long operations arrive as many small closures.
type Loop struct {
	reqs chan task
	quit chan struct{}

	player   *player.Player
	guardian *diag.Guardian
	store    *store.Store

	tickEvery     time.Duration
	guardianEvery time.Duration
	stallEvery    time.Duration
	nowMs         func() int64
}

// Options configures the loop cadences.
type Options struct {
	TickInterval     time.Duration
	GuardianInterval time.Duration
	StallSweep       time.Duration
}

// NewLoop wires the loop to the components it drives.
func NewLoop(p *player.Player, g *diag.Guardian, s *store.Store, opts Options) *Loop {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Millisecond
	}
	if opts.GuardianInterval <= 0 {
		opts.GuardianInterval = time.Second
	}
	if opts.StallSweep <= 0 {
		opts.StallSweep = 5 * time.Second
	}
	return &Loop{
		reqs:          make(chan task, 16),
		quit:          make(chan struct{}),
		player:        p,
		guardian:      g,
		store:         s,
		tickEvery:     opts.TickInterval,
		guardianEvery: opts.GuardianInterval,
		stallEvery:    opts.StallSweep,
		nowMs:         func() int64 { return time.Now().UnixMilli() },
	}
}

// Run services the loop until ctx is cancelled. It never blocks on a
// single unit of work longer than one I/O operation; the scheduler
// pass between units is what keeps inbound requests from starving.
func (l *Loop) Run(ctx context.Context) {
	tick := time.NewTicker(l.tickEvery)
	defer tick.Stop()
	guardian := time.NewTicker(l.guardianEvery)
	defer guardian.Stop()
	stall := time.NewTicker(l.stallEvery)
	defer stall.Stop()

	defer close(l.quit)

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-l.reqs:
			t.fn()
			close(t.done)
		case <-tick.C:
			l.player.Tick(l.nowMs())
		case <-guardian.C:
			l.guardian.Check()
		case <-stall.C:
			l.store.ExpireStalled()
		}
	}
}

// Do runs fn on the loop and waits for it to finish. Returns false
// when the loop has shut down and fn never ran.
func (l *Loop) Do(fn func()) bool {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case l.reqs <- t:
	case <-l.quit:
		return false
	}
	select {
	case <-t.done:
		return true
	case <-l.quit:
		return false
	}
}

// Submit queues fn without waiting. Used by event sources (the
// storage watcher, the mirror) that must not block their own
// goroutine on the loop.
func (l *Loop) Submit(fn func()) {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case l.reqs <- t:
	case <-l.quit:
	}
}
