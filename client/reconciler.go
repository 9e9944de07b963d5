package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/harborview/realtime/wire"
)

// Submitter delivers one action over the domain mutation channel. The
// channel is the same one used for live submissions; only the timing
// differs during replay.
type Submitter interface {
	Submit(ctx context.Context, sub wire.ActionSubmission) (wire.ActionResult, error)
}

// ReconcilerOptions tune replay behavior.
type ReconcilerOptions struct {
	// AttemptTimeout bounds a single delivery attempt.
	AttemptTimeout time.Duration
	// RetryBase is the initial per-action retry delay; it doubles per
	// failed attempt up to RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
	// MaxAttempts is the retry ceiling; beyond it an action fails
	// permanently and is surfaced.
	MaxAttempts int

	// OnConfirmed fires after an action is confirmed and removed.
	OnConfirmed func(act PendingAction, res wire.ActionResult)
	// OnFailed fires when an action fails permanently. Conflicts arrive
	// as *wire.ConflictError so callers can present them for manual
	// resolution; they are never resolved silently.
	OnFailed func(act PendingAction, err error)
}

func (o *ReconcilerOptions) applyDefaults() {
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 15 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
}

// Reconciler replays the action log against the server strictly in
// enqueue order. Ordering matters because later actions may depend on
// earlier ones, so a transiently failing or backing-off action holds the
// queue: the attempt timeout bounds how long it can do so, after which it
// is requeued with backoff and the drain yields.
type Reconciler struct {
	alog   *ActionLog
	submit Submitter
	opts   ReconcilerOptions

	mu         sync.Mutex
	draining   bool
	rerun      bool
	retryTimer *time.Timer

	logTags log.Fields
}

// NewReconciler creates a reconciler over an action log and a submitter.
func NewReconciler(alog *ActionLog, submit Submitter, opts ReconcilerOptions) *Reconciler {
	opts.applyDefaults()
	return &Reconciler{
		alog:    alog,
		submit:  submit,
		opts:    opts,
		logTags: log.Fields{"module": "client", "component": "reconciler"},
	}
}

// Enqueue appends an action to the log. Safe from any goroutine at any
// time, including mid-drain.
func (r *Reconciler) Enqueue(kind string, payload []byte) (PendingAction, error) {
	return r.alog.Enqueue(kind, payload)
}

// Drain replays pending actions until the queue is quiescent, an action
// starts backing off, or the context ends. Only one drain runs at a time;
// a concurrent call returns immediately after flagging the running drain
// to re-read the log before it releases, so the request is never lost.
// When a drain ends with a backing-off action still queued, a timer
// re-arms it for that action's next attempt.
func (r *Reconciler) Drain(ctx context.Context) error {
	r.mu.Lock()
	if r.draining {
		r.rerun = true
		r.mu.Unlock()
		return nil
	}
	r.draining = true
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	r.mu.Unlock()

	for {
		again, retryAt, err := r.drainPass(ctx)
		if err != nil {
			r.mu.Lock()
			r.draining = false
			r.rerun = false
			r.mu.Unlock()
			return err
		}
		if again {
			continue
		}
		if !r.release(ctx, retryAt) {
			return nil
		}
	}
}

// release drops the drain gate, arming the retry timer when an action is
// backing off. It reports true when another drain was requested while
// this one ran, in which case the gate is kept and the caller loops.
func (r *Reconciler) release(ctx context.Context, retryAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rerun {
		r.rerun = false
		return true
	}
	r.draining = false
	if !retryAt.IsZero() && ctx.Err() == nil {
		delay := time.Until(retryAt)
		if delay < 0 {
			delay = 0
		}
		r.retryTimer = time.AfterFunc(delay, func() { _ = r.Drain(ctx) })
	}
	return false
}

// drainPass attempts one FIFO sweep. again is true when the pass made
// progress and the log should be re-read for entries appended meanwhile.
// retryAt is the head action's next attempt time when the pass ended on
// a backing-off action.
func (r *Reconciler) drainPass(ctx context.Context) (again bool, retryAt time.Time, err error) {
	acts, err := r.alog.Pending()
	if err != nil {
		return false, time.Time{}, err
	}
	if len(acts) == 0 {
		return false, time.Time{}, nil
	}

	progress := false
	for _, act := range acts {
		if ctx.Err() != nil {
			return false, time.Time{}, ctx.Err()
		}
		if !act.NextAttemptAt.IsZero() && act.NextAttemptAt.After(time.Now()) {
			// Head-of-line wait: everything behind this action depends
			// on enqueue order, so the pass ends here.
			return false, act.NextAttemptAt, nil
		}

		done, nextAt, aerr := r.attempt(ctx, act)
		if aerr != nil {
			return false, time.Time{}, aerr
		}
		if !done {
			return false, nextAt, nil
		}
		progress = true
	}
	return progress, time.Time{}, nil
}

// attempt delivers one action. done is false when the action was requeued
// for backoff and the drain should yield; retryAt then carries its next
// attempt time.
func (r *Reconciler) attempt(ctx context.Context, act PendingAction) (done bool, retryAt time.Time, err error) {
	if err := r.alog.MarkInFlight(act.ID); err != nil {
		return false, time.Time{}, err
	}
	act.Attempts++

	attemptCtx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
	res, serr := r.submit.Submit(attemptCtx, act.Submission())
	cancel()

	if serr != nil {
		if wire.IsTransient(serr) || errors.Is(serr, context.DeadlineExceeded) {
			return r.handleTransient(act, serr)
		}
		// Not retryable (e.g. rejected credentials): retrying cannot help.
		if err := r.alog.Fail(act.ID, serr.Error()); err != nil {
			return false, time.Time{}, err
		}
		log.WithError(serr).WithFields(r.logTags).WithField("action", act.ID).Warn("Action failed")
		if r.opts.OnFailed != nil {
			r.opts.OnFailed(act, serr)
		}
		return true, time.Time{}, nil
	}

	switch res.Result {
	case wire.ResultSuccess:
		if err := r.alog.Confirm(act.ID); err != nil {
			return false, time.Time{}, err
		}
		log.WithFields(r.logTags).WithField("action", act.ID).Debug("Action confirmed")
		if r.opts.OnConfirmed != nil {
			r.opts.OnConfirmed(act, res)
		}
		return true, time.Time{}, nil

	case wire.ResultConflict:
		conflict := &wire.ConflictError{ActionID: act.ID, Reason: res.Message}
		if err := r.alog.Fail(act.ID, conflict.Error()); err != nil {
			return false, time.Time{}, err
		}
		log.WithFields(r.logTags).WithField("action", act.ID).Warn("Action conflicted with server state")
		if r.opts.OnFailed != nil {
			r.opts.OnFailed(act, conflict)
		}
		return true, time.Time{}, nil

	default:
		reason := res.Message
		if reason == "" {
			reason = "rejected"
		}
		if err := r.alog.Fail(act.ID, reason); err != nil {
			return false, time.Time{}, err
		}
		log.WithFields(r.logTags).WithField("action", act.ID).Warn("Action rejected")
		if r.opts.OnFailed != nil {
			r.opts.OnFailed(act, errors.New(reason))
		}
		return true, time.Time{}, nil
	}
}

func (r *Reconciler) handleTransient(act PendingAction, cause error) (bool, time.Time, error) {
	if act.Attempts >= r.opts.MaxAttempts {
		if err := r.alog.Fail(act.ID, cause.Error()); err != nil {
			return false, time.Time{}, err
		}
		log.WithError(cause).WithFields(r.logTags).WithField("action", act.ID).Warn("Retry ceiling reached")
		if r.opts.OnFailed != nil {
			r.opts.OnFailed(act, cause)
		}
		return true, time.Time{}, nil
	}

	delay := r.backoff(act.Attempts)
	next := time.Now().Add(delay)
	if err := r.alog.Requeue(act.ID, next, cause.Error()); err != nil {
		return false, time.Time{}, err
	}
	log.WithError(cause).WithFields(r.logTags).WithField("action", act.ID).Debug("Action requeued")
	return false, next, nil
}

// backoff doubles the base delay per prior attempt up to RetryMax. The
// shift is clamped so a high attempt count cannot overflow the duration.
func (r *Reconciler) backoff(attempts int) time.Duration {
	shift := attempts - 1
	if shift > 30 {
		shift = 30
	}
	delay := r.opts.RetryBase << shift
	if delay <= 0 || delay > r.opts.RetryMax {
		delay = r.opts.RetryMax
	}
	return delay
}
