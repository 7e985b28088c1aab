package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsRecordInterval = 15 * time.Second

// Metrics holds the Prometheus instruments for the node.
type Metrics struct {
	UpdatesApplied  *prometheus.CounterVec
	ProtocolErrors  *prometheus.CounterVec
	OpenChannels    prometheus.Gauge
	ActiveTransfers prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		UpdatesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "channeld_updates_applied_total",
			Help: "Number of double-signed channel updates applied, by update type.",
		}, []string{"type"}),
		ProtocolErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "channeld_protocol_errors_total",
			Help: "Number of protocol errors surfaced on the error sink, by error code.",
		}, []string{"code"}),
		OpenChannels: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "channeld_open_channels",
			Help: "Number of channels with stored state.",
		}),
		ActiveTransfers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "channeld_active_transfers",
			Help: "Number of unresolved conditional transfers across all channels.",
		}),
	}
}

// Observe wires the counters to the event bus.
func (m *Metrics) Observe(bus *EventBus) {
	bus.SubscribeChannelUpdate(func(ChannelUpdateEvent) bool { return true }, func(event ChannelUpdateEvent) {
		if update := event.UpdatedChannelState.LatestUpdate; update != nil {
			m.UpdatesApplied.WithLabelValues(string(update.Type)).Inc()
		}
	})
	bus.SubscribeError(func(*ChannelError) bool { return true }, func(cerr *ChannelError) {
		m.ProtocolErrors.WithLabelValues(string(cerr.Code)).Inc()
	})
}

// RecordMetricsPeriodically refreshes the store-derived gauges until
// the context is cancelled.
func (m *Metrics) RecordMetricsPeriodically(ctx context.Context, store Store, logger Logger) {
	logger = logger.NewSystem("metrics")
	ticker := time.NewTicker(metricsRecordInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			states, err := store.GetChannelStates(ctx)
			if err != nil {
				logger.Warn("failed to record channel metrics", "error", err)
				continue
			}
			transfers := 0
			for _, state := range states {
				transfers += len(state.ActiveTransfers)
			}
			m.OpenChannels.Set(float64(len(states)))
			m.ActiveTransfers.Set(float64(transfers))
		}
	}
}
