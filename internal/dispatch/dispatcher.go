// Package dispatch delivers scheduled follow-up messages with at-most-once
// semantics. Delivery fires from two triggers: an in-process timer set when
// the message is scheduled, and a periodic sweep that re-discovers anything
// still pending past its due time (covering process restarts). Both triggers
// funnel into fire, and the store's conditional pending -> sending update is
// the single claim that keeps them from double-sending.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	. "github.com/halcyonsites/frontdesk/internal/logging"
	"github.com/halcyonsites/frontdesk/internal/store"
)

// Sender delivers one outbound message. Implemented by the SMS channel.
type Sender interface {
	Send(ctx context.Context, recipient, payload string) error
}

// DispatcherConfig holds dispatcher settings.
type DispatcherConfig struct {
	SweepInterval time.Duration // How often the sweep re-discovers due messages
}

// Dispatcher schedules and delivers follow-up messages.
type Dispatcher struct {
	store  *store.SQLiteStore
	sender Sender
	cron   *cronlib.Cron

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a dispatcher. Start begins the sweep.
func New(db *store.SQLiteStore, sender Sender) *Dispatcher {
	return &Dispatcher{
		store:  db,
		sender: sender,
		timers: make(map[string]*time.Timer),
	}
}

// Start runs a recovery sweep for anything that came due while the process
// was down, then begins the periodic sweep.
func (d *Dispatcher) Start(cfg DispatcherConfig) error {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	d.sweep()

	d.cron = cronlib.New()
	_, err := d.cron.AddFunc(fmt.Sprintf("@every %s", interval), d.sweep)
	if err != nil {
		return fmt.Errorf("failed to register sweep: %w", err)
	}
	d.cron.Start()
	L_info("dispatch: started", "sweepInterval", interval)
	return nil
}

// Stop halts the sweep and cancels pending in-process timers. Rows stay
// pending in the store; the sweep picks them up on next start.
func (d *Dispatcher) Stop() {
	if d.cron != nil {
		ctx := d.cron.Stop()
		<-ctx.Done()
	}

	d.mu.Lock()
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	L_info("dispatch: stopped")
}

// Schedule records a follow-up for delivery after delay and arms an
// in-process timer for it. Returns the scheduled id.
func (d *Dispatcher) Schedule(ctx context.Context, recipient, payload string, delay time.Duration) (string, error) {
	id := uuid.New().String()
	msg := &store.ScheduledMessage{
		ID:           id,
		Recipient:    recipient,
		Payload:      payload,
		ScheduledFor: time.Now().Add(delay),
	}
	if err := d.store.CreateScheduled(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to schedule message: %w", err)
	}

	d.mu.Lock()
	d.timers[id] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, id)
		d.mu.Unlock()
		d.fire(id)
	})
	d.mu.Unlock()

	L_info("dispatch: scheduled", "id", id, "recipient", recipient, "delay", delay)
	return id, nil
}

// fire attempts delivery of one scheduled message. The conditional claim is
// the entire concurrency mechanism: whichever trigger loses the claim
// returns as a no-op.
func (d *Dispatcher) fire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	claimed, err := d.store.ClaimScheduled(ctx, id)
	if err != nil {
		L_error("dispatch: claim failed", "id", id, "error", err)
		return
	}
	if !claimed {
		L_trace("dispatch: already claimed", "id", id)
		return
	}

	msg, err := d.store.GetScheduled(ctx, id)
	if err != nil {
		L_error("dispatch: claimed message unreadable", "id", id, "error", err)
		d.finish(ctx, id, false)
		return
	}

	err = d.sender.Send(ctx, msg.Recipient, msg.Payload)
	if err != nil {
		L_warn("dispatch: send failed", "id", id, "recipient", msg.Recipient, "error", err)
	} else {
		L_info("dispatch: delivered", "id", id, "recipient", msg.Recipient)
	}
	d.finish(ctx, id, err == nil)
}

func (d *Dispatcher) finish(ctx context.Context, id string, delivered bool) {
	if err := d.store.FinishScheduled(ctx, id, delivered); err != nil {
		L_warn("dispatch: failed to finalize status", "id", id, "error", err)
	}
}

// sweep re-discovers due pending messages and fires them. Safe to run
// concurrently with timers: fire's claim settles any race.
func (d *Dispatcher) sweep() {
	if IsShuttingDown() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	due, err := d.store.DueScheduled(ctx, time.Now())
	if err != nil {
		L_error("dispatch: sweep query failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	L_debug("dispatch: sweep found due messages", "count", len(due))
	for _, msg := range due {
		d.fire(msg.ID)
	}
}
