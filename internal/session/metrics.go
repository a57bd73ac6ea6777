package session

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-grounding/session"

// CallDurationMetric is the histogram of connected call length in seconds.
const CallDurationMetric = "grounding.call.duration"

type metrics struct {
	started  metric.Int64Counter
	failed   metric.Int64Counter
	prompts  metric.Int64Counter
	entries  metric.Int64Counter
	duration metric.Float64Histogram
	pending  metric.Int64ObservableGauge
	inCall   metric.Int64ObservableGauge
	callback metric.Registration
}

// initMetrics registers the controller's instruments on the global meter
// provider. Instruments that fail to register are left nil and skipped.
func (c *Controller) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	m := &metrics{}
	if m.started, err = meter.Int64Counter("grounding.calls.started", metric.WithDescription("Calls that reached the voice service")); err != nil {
		return err
	}
	if m.failed, err = meter.Int64Counter("grounding.calls.failed", metric.WithDescription("Call attempts that ended in an error, by kind")); err != nil {
		return err
	}
	if m.prompts, err = meter.Int64Counter("grounding.silence.prompts", metric.WithDescription("Silence prompts spoken, by level")); err != nil {
		return err
	}
	if m.entries, err = meter.Int64Counter("grounding.transcript.entries", metric.WithDescription("Transcript entries appended")); err != nil {
		return err
	}
	if m.duration, err = meter.Float64Histogram(CallDurationMetric, metric.WithUnit("s"), metric.WithDescription("Time from call-start to the end of the call, by end reason")); err != nil {
		return err
	}
	if m.pending, err = meter.Int64ObservableGauge("grounding.session.pending_timers", metric.WithDescription("Outstanding timer handles")); err != nil {
		return err
	}
	if m.inCall, err = meter.Int64ObservableGauge("grounding.session.in_call", metric.WithDescription("1 while a call is connecting or active")); err != nil {
		return err
	}
	m.callback, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		pending, live := c.gaugeValues()
		obs.ObserveInt64(m.pending, pending)
		obs.ObserveInt64(m.inCall, live)
		return nil
	}, m.pending, m.inCall)
	if err != nil {
		return err
	}
	c.metrics = m
	return nil
}

func (c *Controller) gaugeValues() (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var live int64
	if c.phase.inCall() {
		live = 1
	}
	return int64(c.pendingLocked()), live
}

func (m *metrics) callStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.started.Add(ctx, 1)
}

func (m *metrics) callFailed(ctx context.Context, kind ErrorKind) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *metrics) silencePrompt(ctx context.Context, level int) {
	if m == nil {
		return
	}
	m.prompts.Add(ctx, 1, metric.WithAttributes(attribute.String("level", strconv.Itoa(level))))
}

func (m *metrics) transcriptEntry(ctx context.Context, speaker string) {
	if m == nil {
		return
	}
	m.entries.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

func (m *metrics) callEnded(ctx context.Context, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) close() {
	if m == nil || m.callback == nil {
		return
	}
	_ = m.callback.Unregister()
}
