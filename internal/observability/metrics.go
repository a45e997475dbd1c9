package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/traffic-simulator/model"
)

// SimCollector bundles Prometheus metrics for the simulation core. It
// satisfies the core's metrics recorder interfaces (store counts, handoff
// outcomes, tick/step timings) so components drive gauges and counters
// without depending on Prometheus directly.
type SimCollector struct {
	gatherer prometheus.Gatherer

	TickDurations *prometheus.HistogramVec
	StepDurations *prometheus.HistogramVec

	Handoffs       *prometheus.CounterVec
	ProviderFaults *prometheus.CounterVec
	StaleVehicles  prometheus.Counter

	Vehicles      prometheus.Gauge
	OwnedVehicles *prometheus.GaugeVec
}

// NewSimCollector registers simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tickDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Wall-clock duration of one full tick: collect, resolve, reconcile, commit.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, nil), "sim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	stepDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sim_provider_step_duration_seconds",
		Help:    "Wall-clock duration of one provider Step, labeled by provider.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"provider"}), "sim_provider_step_duration_seconds")
	if err != nil {
		return nil, err
	}

	handoffs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_handoffs_total",
		Help: "Ownership handoff attempts, labeled by zone and outcome (accepted, rejected, stuck, tombstoned).",
	}, []string{"zone", "result"}), "sim_handoffs_total")
	if err != nil {
		return nil, err
	}

	faults, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_provider_faults_total",
		Help: "Provider Step faults (errors or timeouts), labeled by provider.",
	}, []string{"provider"}), "sim_provider_faults_total")
	if err != nil {
		return nil, err
	}

	stale, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_stale_vehicles_total",
		Help: "Vehicles dropped because no provider proposed a state for them.",
	}), "sim_stale_vehicles_total")
	if err != nil {
		return nil, err
	}

	vehicles, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_vehicles",
		Help: "Vehicles in the last committed snapshot.",
	}), "sim_vehicles")
	if err != nil {
		return nil, err
	}

	owned, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_owned_vehicles",
		Help: "Vehicles per owning provider in the last committed snapshot.",
	}, []string{"provider"}), "sim_owned_vehicles")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:       gatherer,
		TickDurations:  tickDurations,
		StepDurations:  stepDurations,
		Handoffs:       handoffs,
		ProviderFaults: faults,
		StaleVehicles:  stale,
		Vehicles:       vehicles,
		OwnedVehicles:  owned,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetVehicleCounts satisfies the store's metrics recorder interface.
func (c *SimCollector) SetVehicleCounts(total int, byProvider map[model.ProviderID]int) {
	if c == nil {
		return
	}
	c.Vehicles.Set(float64(total))
	c.OwnedVehicles.Reset()
	for p, n := range byProvider {
		c.OwnedVehicles.WithLabelValues(string(p)).Set(float64(n))
	}
}

// IncHandoff satisfies the ownership manager's metrics recorder interface.
func (c *SimCollector) IncHandoff(zone, result string) {
	if c == nil {
		return
	}
	c.Handoffs.WithLabelValues(zone, result).Inc()
}

// ObserveTickDuration satisfies the coordinator's metrics recorder interface.
func (c *SimCollector) ObserveTickDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.TickDurations.WithLabelValues().Observe(d.Seconds())
}

// ObserveStepDuration records one provider Step duration.
func (c *SimCollector) ObserveStepDuration(provider string, d time.Duration) {
	if c == nil {
		return
	}
	c.StepDurations.WithLabelValues(provider).Observe(d.Seconds())
}

// IncProviderFault counts one isolated provider fault.
func (c *SimCollector) IncProviderFault(provider string) {
	if c == nil {
		return
	}
	c.ProviderFaults.WithLabelValues(provider).Inc()
}

// IncStaleVehicle counts one dropped stale vehicle.
func (c *SimCollector) IncStaleVehicle() {
	if c == nil {
		return
	}
	c.StaleVehicles.Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
