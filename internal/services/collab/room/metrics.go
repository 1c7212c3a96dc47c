package room

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/louisbranch/campaign-collab/internal/services/collab/room"

// metrics wraps the room counters. The global meter is a no-op until a
// provider is installed.
type metrics struct {
	rooms        metric.Int64UpDownCounter
	sessions     metric.Int64UpDownCounter
	changes      metric.Int64Counter
	conflicts    metric.Int64Counter
	locks        metric.Int64Counter
	persistFail  metric.Int64Counter
	persistDrop  metric.Int64Counter
	sendFailures metric.Int64Counter
}

func newMetrics(provider metric.MeterProvider) *metrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	m, err := buildMetrics(provider.Meter(instrumentationName))
	if err != nil {
		m, _ = buildMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.rooms, err = meter.Int64UpDownCounter("collab.rooms.active", metric.WithDescription("Rooms currently held in memory")); err != nil {
		return nil, err
	}
	if m.sessions, err = meter.Int64UpDownCounter("collab.sessions.active", metric.WithDescription("Connected participant sessions")); err != nil {
		return nil, err
	}
	if m.changes, err = meter.Int64Counter("collab.changes.applied", metric.WithDescription("Change log entries appended")); err != nil {
		return nil, err
	}
	if m.conflicts, err = meter.Int64Counter("collab.changes.conflicts", metric.WithDescription("Content changes rejected by a foreign lock")); err != nil {
		return nil, err
	}
	if m.locks, err = meter.Int64Counter("collab.locks.acquired", metric.WithDescription("Field locks granted")); err != nil {
		return nil, err
	}
	if m.persistFail, err = meter.Int64Counter("collab.persist.failures", metric.WithDescription("Change writes that failed")); err != nil {
		return nil, err
	}
	if m.persistDrop, err = meter.Int64Counter("collab.persist.dropped", metric.WithDescription("Changes dropped on a full persist queue")); err != nil {
		return nil, err
	}
	if m.sendFailures, err = meter.Int64Counter("collab.send.failures", metric.WithDescription("Sends that disconnected a participant")); err != nil {
		return nil, err
	}
	return &m, nil
}

func roomAttr(roomID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("collab.room_id", roomID))
}

func (m *metrics) roomOpened()  { m.rooms.Add(context.Background(), 1) }
func (m *metrics) roomClosed()  { m.rooms.Add(context.Background(), -1) }
func (m *metrics) sessionIn()   { m.sessions.Add(context.Background(), 1) }
func (m *metrics) sessionOut()  { m.sessions.Add(context.Background(), -1) }
func (m *metrics) lockGranted() { m.locks.Add(context.Background(), 1) }

func (m *metrics) changeApplied(roomID string) {
	m.changes.Add(context.Background(), 1, roomAttr(roomID))
}

func (m *metrics) conflict(roomID string) {
	m.conflicts.Add(context.Background(), 1, roomAttr(roomID))
}

func (m *metrics) persistFailed(roomID string) {
	m.persistFail.Add(context.Background(), 1, roomAttr(roomID))
}

func (m *metrics) persistDropped(roomID string) {
	m.persistDrop.Add(context.Background(), 1, roomAttr(roomID))
}

func (m *metrics) sendFailed() { m.sendFailures.Add(context.Background(), 1) }
