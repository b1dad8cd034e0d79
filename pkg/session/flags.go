package session

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Tab-scoped flag keys owned by the controller
const (
	KeyAuthInProgress  = "auth_in_progress"
	KeyAuthCompletedAt = "auth_completed_at"
	KeyActiveUserID    = "active_user_id"
)

// readTime returns the epoch-millisecond flag stored under key
func (c *Controller) readTime(ctx context.Context, key string) (time.Time, bool) {
	v, ok, err := c.tab.Get(ctx, key)
	if err != nil {
		c.logger.Warn("failed to read session flag", zap.String("key", key), zap.Error(err))
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// garbage counts as absent and is removed
		c.deleteFlag(ctx, key)
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (c *Controller) writeTime(ctx context.Context, key string, t time.Time) {
	if err := c.tab.Set(ctx, key, strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
		c.logger.Warn("failed to write session flag", zap.String("key", key), zap.Error(err))
	}
}

func (c *Controller) deleteFlag(ctx context.Context, key string) {
	if err := c.tab.Delete(ctx, key); err != nil {
		c.logger.Warn("failed to clear session flag", zap.String("key", key), zap.Error(err))
	}
}

// expireFlags drops an in-progress marker older than StaleAfter and a
// completion marker older than GraceWindow. Markers dated in the future
// are stale too.
func (c *Controller) expireFlags(ctx context.Context, now time.Time) {
	if started, ok := c.readTime(ctx, KeyAuthInProgress); ok && !within(now, started, c.cfg.StaleAfter) {
		c.logger.Info("discarding abandoned sign-in flow", zap.Time("started", started))
		c.deleteFlag(ctx, KeyAuthInProgress)
	}
	if done, ok := c.readTime(ctx, KeyAuthCompletedAt); ok && !within(now, done, c.cfg.GraceWindow) {
		c.deleteFlag(ctx, KeyAuthCompletedAt)
	}
}

// flowSuppressed reports whether a recent completion or a live flow forbids
// starting a new one
func (c *Controller) flowSuppressed(ctx context.Context, now time.Time) bool {
	if done, ok := c.readTime(ctx, KeyAuthCompletedAt); ok && within(now, done, c.cfg.GraceWindow) {
		return true
	}
	if started, ok := c.readTime(ctx, KeyAuthInProgress); ok && within(now, started, c.cfg.StaleAfter) {
		return true
	}
	return false
}

// within reports whether at lies in [now-window, now]
func within(now, at time.Time, window time.Duration) bool {
	age := now.Sub(at)
	return age >= 0 && age < window
}
