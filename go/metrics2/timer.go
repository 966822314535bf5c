package metrics2

import (
	"runtime"
	"strings"
	"time"

	"github.com/kryptoslogic/assemblyline-core/go/sklog"
)

const (
	measurementTimer = "timer"
	nameFuncTimer    = "func_timer"
)

// timer implements the Timer interface.
type timer struct {
	begin time.Time
	m     Float64SummaryMetric
}

func newTimer(c Client, name string, tagsList ...map[string]string) Timer {
	tags := map[string]string{}
	for _, t := range tagsList {
		for k, v := range t {
			tags[k] = v
		}
	}
	tags["name"] = name
	t := &timer{
		m: c.GetFloat64SummaryMetric(measurementTimer+"_ns", tags),
	}
	t.Start()
	return t
}

// Start implements the Timer interface.
func (t *timer) Start() {
	t.begin = time.Now()
}

// Stop implements the Timer interface.
func (t *timer) Stop() time.Duration {
	elapsed := time.Since(t.begin)
	t.m.Observe(float64(elapsed.Nanoseconds()))
	return elapsed
}

// FuncTimer is specifically intended for measuring the duration of functions.
// It uses the default client.
//
// The standard way to use FuncTimer is at the top of the func you want to
// measure:
//
//	func myfunc() {
//	  defer metrics2.FuncTimer().Stop()
//	  ...
//	}
func FuncTimer() Timer {
	pc, _, _, _ := runtime.Caller(1)
	f := runtime.FuncForPC(pc)
	split := strings.Split(f.Name(), ".")
	fn := "unknown"
	pkg := "unknown"
	if len(split) >= 2 {
		fn = split[len(split)-1]
		pkg = strings.Join(split[:len(split)-1], ".")
	} else {
		sklog.Warningf("Unable to determine caller of FuncTimer")
	}
	return NewTimer(nameFuncTimer, map[string]string{"package": pkg, "func": fn})
}
