// Package transport starts the SIP listeners sipgo's server binds to,
// handling the UDP-plus-optional-TCP configuration the rest of the B2BUA
// doesn't need to know about.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
)

// Config describes which SIP transports to bind and where.
type Config struct {
	BindAddr  string
	Port      int
	EnableTCP bool
}

// Listener owns the goroutines serving sipgo.Server over each configured
// transport and reports the first bind error, if any, back to the caller.
type Listener struct {
	srv *sipgo.Server
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	errs []error
	wg   sync.WaitGroup
}

// NewListener wraps an already-configured sipgo.Server.
func NewListener(srv *sipgo.Server, cfg Config) *Listener {
	return &Listener{srv: srv, cfg: cfg, log: slog.Default().With("component", "transport")}
}

// Start binds every configured transport and blocks until ctx is
// canceled or a listener fails, whichever comes first.
func (l *Listener) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	addr := fmt.Sprintf("%s:%d", l.cfg.BindAddr, l.cfg.Port)

	l.wg.Add(1)
	go l.serve(ctx, cancel, "udp", addr)

	if l.cfg.EnableTCP {
		l.wg.Add(1)
		go l.serve(ctx, cancel, "tcp", addr)
	}

	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) > 0 {
		return l.errs[0]
	}
	return nil
}

func (l *Listener) serve(ctx context.Context, cancel context.CancelFunc, network, addr string) {
	defer l.wg.Done()
	l.log.Info("SIP listener starting", "network", network, "addr", addr)
	if err := l.srv.ListenAndServe(ctx, network, addr); err != nil && ctx.Err() == nil {
		l.log.Error("SIP listener failed", "network", network, "addr", addr, "error", err)
		l.mu.Lock()
		l.errs = append(l.errs, fmt.Errorf("%s listener on %s: %w", network, addr, err))
		l.mu.Unlock()
		cancel()
	}
}
