package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// Updater receives network-status events.
type Updater interface {
	Update(online bool)
}

// Prober derives network status from periodic requests to a URL. Any
// response below 500 counts as online.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	clock    clockwork.Clock
	target   Updater
	logger   *slog.Logger
}

func NewProber(url string, interval time.Duration, clock clockwork.Clock, target Updater, logger *slog.Logger) *Prober {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: interval},
		clock:    clock,
		target:   target,
		logger:   logger,
	}
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	p.logger.Info("connectivity prober started", "url", p.url, "interval", p.interval.String())
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		err := p.probe(ctx)
		if ctx.Err() == nil {
			p.target.Update(err == nil)
		}
		select {
		case <-ctx.Done():
			p.logger.Info("connectivity prober stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
		}
	}
}

func (p *Prober) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("connectivity probe failed", "error", err)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}
