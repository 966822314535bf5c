// Common tool initialization.
// import only from package main.
package common

import (
	"flag"
	"net/http"
	"os"
	"runtime"
	"sort"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kryptoslogic/assemblyline-core/go/sklog"
)

// Opt represents the initialization parameters for a single init service.
//
// Initializing flags, metrics, and logging is order dependent, and each app
// may want a different subset of options. Each optional piece is encapsulated
// in its own Opt, and the Opts are initialized in the right order.
//
// Construct the Opts that are desired and pass them to common.InitWith(), i.e.:
//
//	common.InitWith(
//		"core-ingester",
//		common.PrometheusOpt(promPort),
//	)
type Opt interface {
	// order is the sort order that Opts are executed in.
	order() int
	init(appName string) error
}

// optSlice is a utility type for sorting Opts by order().
type optSlice []Opt

func (p optSlice) Len() int           { return len(p) }
func (p optSlice) Less(i, j int) bool { return p[i].order() < p[j].order() }
func (p optSlice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

// baseInitOpt is an Opt that is always constructed internally, added to any
// Opts passed into InitWith() and always runs first.
type baseInitOpt struct{}

func (b *baseInitOpt) init(appName string) error {
	flag.Parse()
	flag.VisitAll(func(f *flag.Flag) {
		sklog.Infof("Flags: --%s=%v", f.Name, f.Value)
	})

	// Use all cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Record UID and GID.
	sklog.Infof("Running as %d:%d", os.Getuid(), os.Getgid())
	return nil
}

func (b *baseInitOpt) order() int {
	return 0
}

// prometheusInitOpt implements Opt for Prometheus.
type prometheusInitOpt struct {
	port *string
}

// PrometheusOpt creates an Opt to initialize Prometheus metrics serving when
// passed to InitWith().
func PrometheusOpt(port *string) Opt {
	return &prometheusInitOpt{
		port: port,
	}
}

func (o *prometheusInitOpt) init(appName string) error {
	// Start serving the metrics endpoint.
	if o.port == nil || *o.port == "" {
		return nil
	}
	r := http.NewServeMux()
	r.Handle("/metrics", promhttp.Handler())
	go func() {
		sklog.Infof("Prometheus server on %s", *o.port)
		if err := http.ListenAndServe(*o.port, r); err != nil {
			sklog.Errorf("Prometheus server failed: %s", err)
		}
	}()
	return nil
}

func (o *prometheusInitOpt) order() int {
	return 1
}

// InitWith takes Opts and initializes each service.
func InitWith(appName string, opts ...Opt) error {
	all := append(optSlice{&baseInitOpt{}}, opts...)
	sort.Sort(all)
	for _, o := range all {
		if err := o.init(appName); err != nil {
			return err
		}
	}
	return nil
}

// InitWithMust calls InitWith and fails fatally if an error is encountered.
func InitWithMust(appName string, opts ...Opt) {
	if err := InitWith(appName, opts...); err != nil {
		sklog.Fatalf("Failed to initialize %s: %s", appName, err)
	}
}
