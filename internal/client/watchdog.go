package client

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// authChecker reports whether the account is revoked; see RESTClient.AuthCheck.
type authChecker interface {
	AuthCheck(ctx context.Context) (revoked bool, reason string, err error)
}

// Watchdog polls the account status endpoint for the lifetime of a
// session. Only an authoritative revocation ends the session; timeouts,
// transport failures and server errors are logged and skipped so a flaky
// status source never kicks a healthy user.
type Watchdog struct {
	checker  authChecker
	teardown func(reason string)
	interval time.Duration
	log      zerolog.Logger
}

func NewWatchdog(checker authChecker, manager *Manager, interval time.Duration, logger zerolog.Logger) *Watchdog {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watchdog{
		checker:  checker,
		teardown: manager.Teardown,
		interval: interval,
		log:      logger.With().Str("component", "watchdog").Logger(),
	}
}

// Run blocks until the context ends or a revocation tears the session down.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		checkCtx, cancel := context.WithTimeout(ctx, w.interval)
		revoked, reason, err := w.checker.AuthCheck(checkCtx)
		cancel()
		if err != nil {
			w.log.Debug().Err(err).Msg("status check inconclusive")
			continue
		}
		if revoked {
			w.log.Warn().Str("reason", reason).Msg("account revoked")
			w.teardown(reason)
			return
		}
	}
}
