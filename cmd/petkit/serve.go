package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/joshp123/gopetkit/internal/config"
	"github.com/joshp123/gopetkit/internal/rate"
	"github.com/joshp123/gopetkit/internal/server"
	"github.com/joshp123/gopetkit/plugins/petkit"
)

// poller refreshes the registry on an interval and remembers the last
// outcome for /health.
type poller struct {
	client   *petkit.Client
	logger   *slog.Logger
	interval time.Duration
	lastErr  atomic.Pointer[error]
	lastOK   atomic.Int64
}

func (p *poller) poll(ctx context.Context) {
	start := time.Now()
	err := p.client.GetDevicesData(ctx)
	if err != nil {
		p.lastErr.Store(&err)
		p.logger.Warn("petkit refresh failed", "error", err)
		return
	}
	p.lastErr.Store(nil)
	p.lastOK.Store(time.Now().Unix())
	p.logger.Info("petkit refresh",
		"devices", len(p.client.Devices()),
		"pets", len(p.client.Pets()),
		"duration", time.Since(start),
	)
}

func (p *poller) run(ctx context.Context) error {
	p.poll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *poller) health() error {
	if p.client.SessionState() == petkit.StateRejected {
		return errors.New("petkit session rejected")
	}
	if errPtr := p.lastErr.Load(); errPtr != nil {
		return *errPtr
	}
	if p.lastOK.Load() == 0 {
		return errors.New("no refresh yet")
	}
	return nil
}

func (p *poller) state() any {
	return map[string]any{
		"session":      p.client.SessionState().String(),
		"region":       p.client.Region(),
		"last_refresh": p.lastOK.Load(),
		"accounts":     p.client.Accounts(),
		"devices":      p.client.Devices(),
		"pets":         p.client.Pets(),
	}
}

func serve(ctx context.Context, cfg *config.Config, client *petkit.Client, logger *slog.Logger) error {
	registry := metricsRegistry(client)
	p := &poller{client: client, logger: logger, interval: cfg.PetKit.PollInterval}

	httpServer := server.NewHTTPServer(cfg.HTTP.Addr, server.NewMux(server.Routes{
		Health:  p.health,
		State:   p.state,
		Metrics: registry,
	}))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := httpServer.Run(ctx); err != nil {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return p.run(ctx)
	})
	if cfg.MQTT.Enabled {
		g.Go(func() error {
			return listen(ctx, cfg.MQTT, client, logger)
		})
	}
	return g.Wait()
}

// listen runs the MQTT subscription. A missing IoT identity only disables
// push events.
func listen(ctx context.Context, cfg config.MQTTConfig, client *petkit.Client, logger *slog.Logger) error {
	opts := petkit.ListenOptions{RefreshOnEvent: cfg.RefreshOnEvent, Broker: cfg.Broker}
	err := client.Listen(ctx, opts, func(event petkit.Event) {
		logger.Debug("petkit event", "topic", event.Topic, "device_id", event.DeviceID, "type", event.Type)
	})
	if errors.Is(err, petkit.ErrNoIoTConfig) {
		logger.Warn("petkit mqtt disabled", "error", err)
		return nil
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func metricsRegistry(client *petkit.Client) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	for _, collector := range petkit.MetricsCollectors() {
		registry.MustRegister(collector)
	}
	for _, collector := range rate.MetricsCollectors() {
		registry.MustRegister(collector)
	}
	registry.MustRegister(petkit.NewMetricsCollector(client))
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "petkit_build_info",
		Help:        "Build information",
		ConstLabels: prometheus.Labels{"version": version},
	}, func() float64 { return 1 }))
	return registry
}
