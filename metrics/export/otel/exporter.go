package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mimora/authflow"
	"github.com/mimora/authflow/metrics/export/internaldefs"
)

var (
	// ErrNilMeter is returned when no meter is supplied.
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() authflow.MetricsSnapshot
	AuditStats() authflow.AuditStats
	ActiveFlows() int
}

type observedCounter struct {
	id         authflow.MetricID
	instrument metric.Int64ObservableCounter
}

// observedHistogram reports cumulative buckets as one gauge keyed by "le",
// mirroring the Prometheus bucket series.
type observedHistogram struct {
	id      authflow.MetricID
	buckets metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

var (
	bucketAttrs  [8]metric.ObserveOption
	outcomeAttrs = [3]metric.ObserveOption{
		metric.WithAttributes(attribute.String("outcome", "accepted")),
		metric.WithAttributes(attribute.String("outcome", "delivered")),
		metric.WithAttributes(attribute.String("outcome", "dropped")),
	}
)

func init() {
	for i, le := range internaldefs.HistogramBounds {
		bucketAttrs[i] = metric.WithAttributes(attribute.String("le", le))
	}
}

// OTelExporter keeps the instruments and callback registered for one
// metrics source.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration
	counters     []observedCounter
	histograms   []observedHistogram
	activeFlows  metric.Int64ObservableGauge
	auditEvents  metric.Int64ObservableCounter
}

// NewOTelExporter observes engine through meter.
func NewOTelExporter(meter metric.Meter, engine *authflow.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{source: source}
	var observables []metric.Observable

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create counter %s: %w", def.Name, err)
		}
		e.counters = append(e.counters, observedCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		buckets, err := meter.Int64ObservableGauge(def.Name+"_bucket",
			metric.WithDescription(def.Help+" Cumulative count per upper bound."))
		if err != nil {
			return nil, fmt.Errorf("create bucket gauge %s: %w", def.Name, err)
		}
		count, err := meter.Int64ObservableGauge(def.Name+"_count",
			metric.WithDescription(def.Help+" Total samples."))
		if err != nil {
			return nil, fmt.Errorf("create count gauge %s: %w", def.Name, err)
		}
		e.histograms = append(e.histograms, observedHistogram{id: def.ID, buckets: buckets, count: count})
		observables = append(observables, buckets, count)
	}

	var err error
	e.activeFlows, err = meter.Int64ObservableGauge(internaldefs.ActiveFlowsName,
		metric.WithDescription(internaldefs.ActiveFlowsHelp))
	if err != nil {
		return nil, fmt.Errorf("create active flows gauge: %w", err)
	}
	e.auditEvents, err = meter.Int64ObservableCounter(internaldefs.AuditEventsName,
		metric.WithDescription(internaldefs.AuditEventsHelp))
	if err != nil {
		return nil, fmt.Errorf("create audit events counter: %w", err)
	}
	observables = append(observables, e.activeFlows, e.auditEvents)

	e.registration, err = meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		o.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[h.id]))
		for i, v := range cumulative {
			o.ObserveInt64(h.buckets, int64(v), bucketAttrs[i])
		}
		o.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}

	o.ObserveInt64(e.activeFlows, int64(e.source.ActiveFlows()))
	audit := e.source.AuditStats()
	o.ObserveInt64(e.auditEvents, int64(audit.Accepted), outcomeAttrs[0])
	o.ObserveInt64(e.auditEvents, int64(audit.Delivered), outcomeAttrs[1])
	o.ObserveInt64(e.auditEvents, int64(audit.Dropped), outcomeAttrs[2])
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
