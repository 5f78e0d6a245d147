package turnclient

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaygo/turnd/turn"
)

// scheduleTick is how often the background loop checks the timeout
// queue for due entries. TURN lifetimes are measured in minutes, so a
// coarse tick is adequate and keeps the loop simple.
const scheduleTick = time.Second

func (c *Client) scheduleRefresh(seqno uint64, lifetime time.Duration) {
	c.scheduleTimeout(refreshTag{seqno: seqno}, lifetime*9/10)
}

func (c *Client) scheduleTimeout(tag interface{}, after time.Duration) {
	c.timeouts.PushAfter(tag, time.Now(), after)
}

func (c *Client) scheduleLoop() {
	defer c.wg.Done()
	t := time.NewTicker(scheduleTick)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			c.runDue(now)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) runDue(now time.Time) {
	for _, entry := range c.timeouts.Pop(now) {
		switch tag := entry.Tag.(type) {
		case refreshTag:
			c.onRefreshDue(tag)
		case permissionTag:
			c.onPermissionDue(tag)
		case channelTag:
			c.onChannelDue(tag)
		}
	}
}

func (c *Client) onRefreshDue(tag refreshTag) {
	c.mu.Lock()
	stale := tag.seqno != c.allocSeqno
	lifetime := c.lifetime
	c.mu.Unlock()
	if stale {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if err := c.Refresh(ctx, lifetime); err != nil {
		c.log.Error("scheduled refresh failed", zap.Error(err))
	}
}

func (c *Client) onPermissionDue(tag permissionTag) {
	c.mu.Lock()
	p, ok := c.permissions[tag.ip]
	stale := !ok || p.seqno != tag.seqno
	var addr turn.Addr
	if ok {
		addr = p.addr
	}
	c.mu.Unlock()
	if stale {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if err := c.CreatePermission(ctx, addr); err != nil {
		c.log.Error("scheduled permission refresh failed", zap.Error(err))
	}
}

func (c *Client) onChannelDue(tag channelTag) {
	c.mu.Lock()
	s, ok := c.channels[tag.peer.Key()]
	stale := !ok || s.seqno != tag.seqno
	c.mu.Unlock()
	if stale {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	if _, err := c.ChannelBind(ctx, tag.peer); err != nil {
		c.log.Error("scheduled channel refresh failed", zap.Error(err))
	}
}
