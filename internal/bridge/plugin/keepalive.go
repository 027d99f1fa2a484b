package plugin

import (
	"context"
	"time"

	"github.com/sebas/streambridge/internal/logger"
)

// keepaliveLoop pings the keepalive service every interval, promising the
// next ping within that interval. The pid entry is deleted in Destroy.
func (p *Plugin) keepaliveLoop() {
	defer p.wg.Done()

	if p.cfg.KeepaliveURL == "" {
		return
	}

	ticker := time.NewTicker(p.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.KeepaliveInterval)
			err := p.reg.Keepalive(ctx, p.cfg.KeepaliveURL, p.pid, p.cfg.KeepaliveInterval)
			cancel()
			if err != nil {
				logger.Warn("[Keepalive] ping failed", "error", err.Error())
			}
		}
	}
}
