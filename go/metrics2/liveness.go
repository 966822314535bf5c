package metrics2

import (
	"sync"
	"time"
)

const (
	measurementLiveness = "liveness"
	livenessReportFreq  = time.Minute
)

// liveness implements the Liveness interface.
type liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
}

func newLiveness(c Client, name string, tagsList ...map[string]string) Liveness {
	// Make a copy of the concatenation of all provided tags.
	tags := map[string]string{}
	for _, t := range tagsList {
		for k, v := range t {
			tags[k] = v
		}
	}
	tags["name"] = name
	l := &liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    c.GetInt64Metric(measurementLiveness+"_s", tags),
	}
	go func() {
		for range time.Tick(livenessReportFreq) {
			l.update()
		}
	}()
	return l
}

// updateLocked sets the value of the Liveness. Assumes the caller holds l.mtx.
func (l *liveness) updateLocked() {
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

func (l *liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.updateLocked()
}

// Get implements the Liveness interface.
func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.m.Get()
}

// Reset implements the Liveness interface.
func (l *liveness) Reset() {
	l.ManualReset(time.Now())
}

// ManualReset implements the Liveness interface.
func (l *liveness) ManualReset(lastSuccessfulUpdate time.Time) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = lastSuccessfulUpdate
	l.updateLocked()
}
