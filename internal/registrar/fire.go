package registrar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"nudge/internal/eventbus"
	"nudge/internal/ledger"
	"nudge/internal/notifier"
	"nudge/internal/subject"
	"nudge/pkg/logx"
)

// recordTimeout bounds the ledger write that follows a successful notify.
const recordTimeout = 10 * time.Second

type outcome int

const (
	outcomeNotified outcome = iota
	outcomeAlreadyNotified
	outcomeDuplicate
	outcomeFailed
)

// Fire runs one batch for taskName: every eligible subject without a ledger
// record is notified, and the record is written only after a successful
// notify. Per-subject failures are collected in the result and never stop the
// batch; the subject stays unrecorded and is retried on the next firing.
//
// The returned error is non-nil only when the batch was aborted: the subject
// source or the ledger store failed, or ctx was cancelled.
func (r *Registrar) Fire(ctx context.Context, taskName string, d Dispatch) (BatchResult, error) {
	taskName = strings.TrimSpace(taskName)
	res := BatchResult{TaskName: taskName, Kind: d.Kind, StartedAt: r.now().UTC()}
	if res.Kind == "" {
		res.Kind = taskName
	}
	if taskName == "" || d.Subjects == nil || d.Notifier == nil {
		return res, fmt.Errorf("%w: task name, subjects and notifier are required", ErrInvalidTask)
	}
	if d.Limiter != nil {
		d.Notifier = notifier.WithLimiter(d.Notifier, d.Limiter)
	}
	d.Kind = res.Kind
	if d.Description == "" {
		d.Description = taskName
	}
	workers := d.Concurrency
	if workers <= 0 {
		workers = 1
	}

	log := r.log.With(logx.String("task", taskName), logx.String("kind", res.Kind))
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		abortErr error
	)
	abort := func(err error) {
		mu.Lock()
		if abortErr == nil {
			abortErr = err
		}
		mu.Unlock()
		cancel()
	}

	work := make(chan subject.Subject)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range work {
				oc, err := r.fireOne(cctx, taskName, d, sub)
				if oc == outcomeFailed && err != nil && cctx.Err() != nil && errors.Is(err, context.Canceled) {
					// cancelled mid-batch; the subject stays unrecorded
					continue
				}
				mu.Lock()
				switch oc {
				case outcomeNotified:
					res.Notified++
				case outcomeAlreadyNotified:
					res.AlreadyNotified++
				case outcomeDuplicate:
					res.Duplicates++
				case outcomeFailed:
					if err != nil && !errors.Is(err, notifier.ErrNotifyFailure) && !errors.Is(err, ledger.ErrInvalidKey) {
						mu.Unlock()
						abort(err)
						continue
					}
					res.Failures = append(res.Failures, SubjectFailure{Subject: sub, Err: err})
				}
				mu.Unlock()
			}
		}()
	}

	for sub, err := range d.Subjects.Eligible(cctx) {
		if err != nil {
			if cctx.Err() == nil {
				abort(fmt.Errorf("%w: subject source: %w", ErrStorageUnavailable, err))
			}
			break
		}
		if cctx.Err() != nil {
			break
		}
		mu.Lock()
		res.Considered++
		mu.Unlock()
		select {
		case work <- sub:
		case <-cctx.Done():
		}
		if cctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()

	if abortErr == nil && ctx.Err() != nil {
		abortErr = ctx.Err()
	}
	res.FinishedAt = r.now().UTC()
	res.Aborted = abortErr != nil

	fields := []logx.Field{
		logx.Int("considered", res.Considered),
		logx.Int("notified", res.Notified),
		logx.Int("already_notified", res.AlreadyNotified),
		logx.Int("duplicates", res.Duplicates),
		logx.Int("failed", res.Failed()),
		logx.Duration("took", res.FinishedAt.Sub(res.StartedAt)),
	}
	switch {
	case abortErr != nil:
		log.Error("batch aborted", append(fields, logx.Err(abortErr))...)
	case res.Failed() > 0:
		log.Warn("batch completed with failures", fields...)
	default:
		log.Info("batch completed", fields...)
	}
	eventbus.Publish(r.bus, eventbus.BatchCompleted, res)
	return res, abortErr
}

func (r *Registrar) fireOne(ctx context.Context, taskName string, d Dispatch, sub subject.Subject) (outcome, error) {
	key := ledger.Key{SubjectID: sub.ID, SubjectKind: sub.Kind, NotificationKind: d.Kind}
	done, err := r.ledger.HasBeenNotified(ctx, key)
	if err != nil {
		return outcomeFailed, err
	}
	if done {
		return outcomeAlreadyNotified, nil
	}

	n := notifier.Notification{Task: taskName, Kind: d.Kind, Subject: sub, Text: render(d.Text, sub)}
	if err := d.Notifier.Notify(ctx, n); err != nil {
		if !errors.Is(err, notifier.ErrNotifyFailure) {
			err = errors.Join(notifier.ErrNotifyFailure, err)
		}
		r.log.Warn("notify failed",
			logx.String("task", taskName),
			logx.String("key", key.String()),
			logx.Err(err),
		)
		eventbus.Publish(r.bus, eventbus.DispatchFailed, SubjectFailure{Subject: sub, Err: err})
		return outcomeFailed, err
	}

	// Delivered: the record must be written even when the batch is being
	// cancelled, or the subject is notified again on the next firing.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if _, err := r.ledger.RecordNotification(rctx, key, d.Description); err != nil {
		if errors.Is(err, ledger.ErrAlreadyRecorded) {
			return outcomeDuplicate, nil
		}
		// Delivered but not recorded: the subject will be notified again.
		r.log.Error("notified but not recorded",
			logx.String("task", taskName),
			logx.String("key", key.String()),
			logx.Err(err),
		)
		return outcomeFailed, err
	}
	return outcomeNotified, nil
}

// render expands $id, $kind and $<attr> references in text.
func render(text string, sub subject.Subject) string {
	if !strings.Contains(text, "$") {
		return text
	}
	return os.Expand(text, func(name string) string {
		switch name {
		case "id":
			return sub.ID
		case "kind":
			return sub.Kind
		}
		return sub.Attr(name)
	})
}
