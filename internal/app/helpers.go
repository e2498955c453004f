// internal/app/helpers.go
package app

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/petervdpas/livecam/internal/proto"
)

// ParseTarget accepts either a link produced by a sender or a bare endpoint
// id and returns the endpoint id.
func ParseTarget(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty link")
	}
	if !strings.Contains(s, "://") {
		return s, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("bad link: %w", err)
	}
	id := strings.TrimSpace(u.Query().Get(proto.LinkParam))
	if id == "" {
		return "", fmt.Errorf("link has no %q parameter", proto.LinkParam)
	}
	return id, nil
}

// NormalizeListenAddr turns ":8787" into "127.0.0.1:8787" and returns the
// address to listen on and the ws:// URL endpoints use to reach it.
func NormalizeListenAddr(addr, path string) (listenAddr, wsURL string) {
	a := strings.TrimSpace(addr)
	listenAddr = a
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return listenAddr, "ws://" + a + path
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func logBanner(o Options) {
	log.Infow("────────────────────────────────────────")
	log.Infow("livecam endpoint scope", "mode", o.Mode)
	log.Infow(" endpoint folder", "dir", o.Dir)
	log.Infow(" config file", "path", o.CfgPath)
	log.Infow("────────────────────────────────────────")
}
