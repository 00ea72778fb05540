package controller

import (
	"context"
	"time"

	"nhbwallet/backend"
	"nhbwallet/core/types"
)

// WaitForPending polls the node's fragment log until every pending fragment
// reaches a terminal status. InABlock confirms a fragment, Rejected rolls
// its reservation back, and fragments the node has not reported stay
// pending. Each query consumes one unit of the poll budget; when the budget
// runs out a *PendingTooLongError names what is left. Transient node errors
// count against the budget, other node errors end the wait with ErrBackend.
// interval <= 0 uses the configured poll interval.
func (c *Controller) WaitForPending(ctx context.Context, interval time.Duration) (err error) {
	ctx, finish := c.operation(ctx, "wait_pending")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return ErrNotInitialized
	}
	if interval <= 0 {
		interval = c.pollInterval
	}

	budget := c.pollBudget
	for {
		if c.state.PendingLen() == 0 {
			return nil
		}
		if err := c.pollLocked(ctx); err != nil {
			if !backend.IsTemporary(err) {
				return err
			}
			c.logger.Warn("fragment log query failed, will retry", "error", err, "remaining", budget-1)
		}
		if c.state.PendingLen() == 0 {
			return nil
		}
		budget--
		if budget <= 0 {
			ids := c.state.PendingIDs()
			c.logger.Warn("gave up waiting for pending fragments", "pending", len(ids), "polls", c.pollBudget)
			return &PendingTooLongError{IDs: ids}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reconcile makes a single pass over the node's fragment log. It returns
// without a node call when nothing is pending.
func (c *Controller) Reconcile(ctx context.Context) (err error) {
	ctx, finish := c.operation(ctx, "reconcile")
	defer func() { finish(err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return ErrNotInitialized
	}
	if c.state.PendingLen() == 0 {
		return nil
	}
	return c.pollLocked(ctx)
}

// pollLocked queries the fragment log once and folds terminal statuses into
// local state. Errors are wrapped with ErrBackend and keep their transience.
func (c *Controller) pollLocked(ctx context.Context) error {
	logs, err := c.backend.FragmentLogs(ctx)
	if err != nil {
		if backend.IsTemporary(err) {
			c.metrics.RecordPoll("transient")
		} else {
			c.metrics.RecordPoll("error")
		}
		return c.backendFailure("fragment_logs", err)
	}
	c.metrics.RecordPoll("ok")

	now := c.now()
	for _, id := range c.state.PendingIDs() {
		entry, ok := logs[id]
		if !ok {
			continue
		}
		switch entry.Status.Kind {
		case types.StatusInABlock:
			c.state.Confirm(id)
			c.metrics.RecordResolved("confirmed")
			c.logger.Info("fragment confirmed", "fragment", id.String(), "block", entry.Status.Block, "date", entry.Status.Date.String())
		case types.StatusRejected:
			c.state.Rollback(id)
			c.metrics.RecordResolved("rejected")
			c.logger.Warn("fragment rejected", "fragment", id.String(), "reason", entry.Status.Reason)
		default:
			continue
		}
		c.journalResolved(id, entry.Status, now)
	}
	c.metrics.SetPending(c.state.PendingLen())
	return nil
}

func (c *Controller) journalResolved(id types.FragmentID, status types.FragmentStatus, at time.Time) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordResolved(id, status, at); err != nil {
		c.logger.Warn("journal write failed", "fragment", id.String(), "error", err)
	}
}
