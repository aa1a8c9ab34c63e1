package writer

import (
	"expvar"
	"fmt"
	"sync"

	"github.com/caio/go-tdigest/v4"
)

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Metrics holds the expvar variables of one writer.
type Metrics struct {
	PublishedGlobally bool

	RecordsQueuedTotal     *expvar.Int
	RecordsDeliveredTotal  *expvar.Int
	RecordsBackloggedTotal *expvar.Int
	RecordsDroppedTotal    *expvar.Int
	EmptyDiscardedTotal    *expvar.Int

	BatchesWrittenTotal      *expvar.Int
	WriteErrorsTotal         *expvar.Int
	HealthchecksTotal        *expvar.Int
	HealthcheckFailuresTotal *expvar.Int

	WriteLatencyHist *expvar.Map

	digestMu sync.Mutex
	digest   *tdigest.TDigest
}

// NewMetrics creates the metrics of a writer. When publishGlobally is set the
// variables are registered in the expvar namespace under prefix, e.g.
// "writer_influx_".
func NewMetrics(publishGlobally bool, prefix string) *Metrics {
	newIntFunc := func(_ string) *expvar.Int { return new(expvar.Int) }
	newMapFunc := func(_ string) *expvar.Map {
		m := new(expvar.Map)
		m.Init()
		return m
	}
	if publishGlobally {
		newIntFunc = publishExpvarInt
		newMapFunc = publishExpvarMap
	}

	digest, err := tdigest.New()
	if err != nil {
		panic(fmt.Sprintf("writer: t-digest initialization failed: %v", err))
	}

	m := &Metrics{
		PublishedGlobally: publishGlobally,

		RecordsQueuedTotal:     newIntFunc(prefix + "records_queued_total"),
		RecordsDeliveredTotal:  newIntFunc(prefix + "records_delivered_total"),
		RecordsBackloggedTotal: newIntFunc(prefix + "records_backlogged_total"),
		RecordsDroppedTotal:    newIntFunc(prefix + "records_dropped_total"),
		EmptyDiscardedTotal:    newIntFunc(prefix + "empty_discarded_total"),

		BatchesWrittenTotal:      newIntFunc(prefix + "batches_written_total"),
		WriteErrorsTotal:         newIntFunc(prefix + "write_errors_total"),
		HealthchecksTotal:        newIntFunc(prefix + "healthchecks_total"),
		HealthcheckFailuresTotal: newIntFunc(prefix + "healthcheck_failures_total"),

		WriteLatencyHist: newMapFunc(prefix + "write_latency_seconds"),
		digest:           digest,
	}

	m.WriteLatencyHist.Set("count", new(expvar.Int))
	m.WriteLatencyHist.Set("sum", new(expvar.Float))
	for _, b := range latencyBuckets {
		m.WriteLatencyHist.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
	}
	m.WriteLatencyHist.Set("le_inf", new(expvar.Int))
	return m
}

// ObserveWriteLatency records one destination write.
func (m *Metrics) ObserveWriteLatency(seconds float64) {
	observeLatency(m.WriteLatencyHist, seconds)
	m.digestMu.Lock()
	_ = m.digest.Add(seconds)
	m.digestMu.Unlock()
}

// LatencyQuantile estimates the q-quantile of write latency in seconds. It
// returns 0 before the first observation.
func (m *Metrics) LatencyQuantile(q float64) float64 {
	m.digestMu.Lock()
	defer m.digestMu.Unlock()
	if m.digest.Count() == 0 {
		return 0
	}
	return m.digest.Quantile(q)
}

// observeLatency records the duration in a cumulative histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countInt, ok := histMap.Get("count").(*expvar.Int); ok {
		countInt.Add(1)
	}
	if sumFloat, ok := histMap.Get("sum").(*expvar.Float); ok {
		sumFloat.Add(durationSeconds)
	}
	for _, b := range latencyBuckets {
		if durationSeconds > b {
			continue
		}
		if bucketInt, ok := histMap.Get(fmt.Sprintf("le_%.3f", b)).(*expvar.Int); ok {
			bucketInt.Add(1)
		}
	}
	if infInt, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		infInt.Add(1)
	}
}

// publishExpvarInt publishes an expvar.Int, resetting an existing one of the
// same name. It panics if the name is taken by a different type.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarMap publishes an expvar.Map or returns the existing one.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
