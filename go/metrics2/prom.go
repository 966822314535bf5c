package metrics2

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kryptoslogic/assemblyline-core/go/sklog"
)

var (
	// invalidChar is used to force metric and tag names to conform to
	// Prometheus's restrictions.
	invalidChar = regexp.MustCompile("([^a-zA-Z0-9_:])")
)

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// promInt64 implements the Int64Metric interface.
type promInt64 struct {
	// i tracks the value of the gauge, because the prometheus client lib
	// doesn't support get on Gauge values.
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&(m.i))
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&(m.i), v)
	m.gauge.Set(float64(v))
}

func (m *promInt64) Delete() error {
	// The delete is a lie.
	return nil
}

// promFloat64 implements the Float64Metric interface.
type promFloat64 struct {
	mutex sync.Mutex
	i     float64
	gauge prometheus.Gauge
}

func (m *promFloat64) Get() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.i
}

func (m *promFloat64) Update(v float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.i = v
	m.gauge.Set(v)
}

func (m *promFloat64) Delete() error {
	// The delete is a lie.
	return nil
}

// promFloat64Summary implements the Float64SummaryMetric interface.
type promFloat64Summary struct {
	summary prometheus.Observer
}

func (m *promFloat64Summary) Observe(v float64) {
	m.summary.Observe(v)
}

// promCounter implements the Counter interface.
type promCounter struct {
	promInt64
}

func (pc *promCounter) Inc(i int64) {
	pc.Update(pc.Get() + i)
}

func (pc *promCounter) Dec(i int64) {
	pc.Update(pc.Get() - i)
}

func (pc *promCounter) Reset() {
	pc.Update(0)
}

// promClient implements the Client interface.
type promClient struct {
	int64GaugeVecs map[string]*prometheus.GaugeVec
	int64Gauges    map[string]*promInt64
	int64Mutex     sync.Mutex

	float64GaugeVecs map[string]*prometheus.GaugeVec
	float64Gauges    map[string]*promFloat64
	float64Mutex     sync.Mutex

	float64SummaryVecs  map[string]*prometheus.SummaryVec
	float64Summaries    map[string]*promFloat64Summary
	float64SummaryMutex sync.Mutex

	counters     map[string]*promCounter
	counterMutex sync.Mutex
}

// NewPromClient returns a Client that uses Prometheus for metrics.
func NewPromClient() Client {
	return &promClient{
		int64GaugeVecs:     map[string]*prometheus.GaugeVec{},
		int64Gauges:        map[string]*promInt64{},
		float64GaugeVecs:   map[string]*prometheus.GaugeVec{},
		float64Gauges:      map[string]*promFloat64{},
		float64SummaryVecs: map[string]*prometheus.SummaryVec{},
		float64Summaries:   map[string]*promFloat64Summary{},
		counters:           map[string]*promCounter{},
	}
}

// commonGet does a lot of the common work for each of the Get* funcs.
//
// It returns:
//
//	measurement - A clean measurement name.
//	cleanTags   - A clean set of tags.
//	keys        - A slice of the keys of cleanTags, sorted.
//	gaugeKey    - A name to uniquely identify the metric.
//	gaugeVecKey - A name to uniquely identify the collection of metrics.
func (p *promClient) commonGet(measurement string, tags ...map[string]string) (string, map[string]string, []string, string, string) {
	measurement = clean(measurement)

	// Merge all tags.
	cleanTags := map[string]string{}
	for _, t := range tags {
		for k, v := range t {
			cleanTags[clean(k)] = v
		}
	}

	keys := make([]string, 0, len(cleanTags))
	for k := range cleanTags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	gaugeKey := measurement
	for _, k := range keys {
		gaugeKey += "-" + k + "-" + cleanTags[k]
	}
	gaugeVecKey := measurement + "-" + strings.Join(keys, "-")

	return measurement, cleanTags, keys, gaugeKey, gaugeVecKey
}

// GetInt64Metric implements the Client interface.
func (p *promClient) GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	p.int64Mutex.Lock()
	defer p.int64Mutex.Unlock()

	measurement, cleanTags, keys, gaugeKey, gaugeVecKey := p.commonGet(measurement, tags...)
	if ret, ok := p.int64Gauges[gaugeKey]; ok {
		return ret
	}

	gaugeVec, ok := p.int64GaugeVecs[gaugeVecKey]
	if !ok {
		gaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: measurement,
			Help: measurement,
		}, keys)
		if err := prometheus.Register(gaugeVec); err != nil {
			sklog.Errorf("Failed to register %q: %s", measurement, err)
		}
		p.int64GaugeVecs[gaugeVecKey] = gaugeVec
	}

	gauge := gaugeVec.With(prometheus.Labels(cleanTags))
	ret := &promInt64{gauge: gauge}
	p.int64Gauges[gaugeKey] = ret
	return ret
}

// GetFloat64Metric implements the Client interface.
func (p *promClient) GetFloat64Metric(measurement string, tags ...map[string]string) Float64Metric {
	p.float64Mutex.Lock()
	defer p.float64Mutex.Unlock()

	measurement, cleanTags, keys, gaugeKey, gaugeVecKey := p.commonGet(measurement, tags...)
	if ret, ok := p.float64Gauges[gaugeKey]; ok {
		return ret
	}

	gaugeVec, ok := p.float64GaugeVecs[gaugeVecKey]
	if !ok {
		gaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: measurement,
			Help: measurement,
		}, keys)
		if err := prometheus.Register(gaugeVec); err != nil {
			sklog.Errorf("Failed to register %q: %s", measurement, err)
		}
		p.float64GaugeVecs[gaugeVecKey] = gaugeVec
	}

	gauge := gaugeVec.With(prometheus.Labels(cleanTags))
	ret := &promFloat64{gauge: gauge}
	p.float64Gauges[gaugeKey] = ret
	return ret
}

// GetFloat64SummaryMetric implements the Client interface.
func (p *promClient) GetFloat64SummaryMetric(measurement string, tags ...map[string]string) Float64SummaryMetric {
	p.float64SummaryMutex.Lock()
	defer p.float64SummaryMutex.Unlock()

	measurement, cleanTags, keys, summaryKey, summaryVecKey := p.commonGet(measurement, tags...)
	if ret, ok := p.float64Summaries[summaryKey]; ok {
		return ret
	}

	summaryVec, ok := p.float64SummaryVecs[summaryVecKey]
	if !ok {
		summaryVec = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       measurement,
			Help:       measurement,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, keys)
		if err := prometheus.Register(summaryVec); err != nil {
			sklog.Errorf("Failed to register %q: %s", measurement, err)
		}
		p.float64SummaryVecs[summaryVecKey] = summaryVec
	}

	summary := summaryVec.With(prometheus.Labels(cleanTags))
	ret := &promFloat64Summary{summary: summary}
	p.float64Summaries[summaryKey] = ret
	return ret
}

// GetCounter implements the Client interface.
func (p *promClient) GetCounter(name string, tags ...map[string]string) Counter {
	p.counterMutex.Lock()
	defer p.counterMutex.Unlock()

	measurement, cleanTags, keys, gaugeKey, gaugeVecKey := p.commonGet(name, tags...)
	if ret, ok := p.counters[gaugeKey]; ok {
		return ret
	}

	gaugeVec, ok := p.int64GaugeVecs[gaugeVecKey]
	if !ok {
		gaugeVec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: measurement,
			Help: measurement,
		}, keys)
		if err := prometheus.Register(gaugeVec); err != nil {
			sklog.Errorf("Failed to register %q: %s", measurement, err)
		}
		p.int64GaugeVecs[gaugeVecKey] = gaugeVec
	}

	gauge := gaugeVec.With(prometheus.Labels(cleanTags))
	ret := &promCounter{promInt64: promInt64{gauge: gauge}}
	p.counters[gaugeKey] = ret
	return ret
}

// Flush implements the Client interface.
func (p *promClient) Flush() error {
	// Prometheus is pull-based, there is nothing to flush.
	return nil
}
