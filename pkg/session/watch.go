package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"incidentauth/pkg/notify"
	"incidentauth/pkg/storage"
	"incidentauth/pkg/token"
)

// Watch re-validates after broadcast events and durable storage changes
// until ctx is done. Bursts are coalesced by the debounce timer.
func (c *Controller) Watch(ctx context.Context) error {
	c.debounceMu.Lock()
	c.baseCtx = ctx
	c.debounceMu.Unlock()

	if c.cfg.Notifier != nil {
		cancel := c.cfg.Notifier.OnEvent(func(e notify.Event) {
			c.schedule("broadcast:" + string(e))
		})
		defer cancel()
	}

	var changes <-chan storage.Change
	if c.cfg.Changes != nil {
		ch, err := c.cfg.Changes.Watch(ctx)
		if err != nil {
			return fmt.Errorf("failed to watch storage: %w", err)
		}
		changes = ch
	}

	defer c.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if relevantChange(change) {
				c.schedule("storage")
			}
		}
	}
}

// Focus is the "window regained focus" trigger
func (c *Controller) Focus() {
	c.schedule("focus")
}

// schedule arms the debounce timer. A newer trigger replaces a pending one.
func (c *Controller) schedule(reason string) {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	ctx := c.baseCtx
	c.logger.Debug("re-validation scheduled", zap.String("reason", reason))
	c.timer = time.AfterFunc(c.cfg.Debounce, func() {
		if ctx.Err() != nil {
			return
		}
		c.Validate(ctx)
	})
}

func (c *Controller) stopTimer() {
	c.debounceMu.Lock()
	defer c.debounceMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// relevantChange reports whether a durable change may affect the session.
// An unkeyed change comes from another process and is always relevant.
func relevantChange(c storage.Change) bool {
	switch {
	case c.Key == "":
		return true
	case c.Key == token.KeyOwner:
		return true
	case strings.HasPrefix(c.Key, token.KeyAccessToken):
		return true
	default:
		return false
	}
}
