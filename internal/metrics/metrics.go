// Package metrics exposes solver and calibration activity as Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talgya/equilibrium/internal/solver"
)

// Collector bundles the metrics of an equilibrium run.
type Collector struct {
	gatherer prometheus.Gatherer

	SolverSteps        *prometheus.CounterVec // by method: newton, bisection
	Evaluations        prometheus.Counter
	Periods            *prometheus.CounterVec // by outcome
	PeriodExcess       *prometheus.GaugeVec   // worst relative excess by period
	SolveDuration      prometheus.Histogram
	Markets            prometheus.Gauge
	CalibrationWarning prometheus.Counter
}

// New registers the metrics against reg, defaulting to the global registry
// when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	steps, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "equilibrium_solver_steps_total",
		Help: "Price update steps taken by the solver, labeled by method.",
	}, []string{"method"}), "equilibrium_solver_steps_total")
	if err != nil {
		return nil, err
	}
	evals, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "equilibrium_solver_evaluations_total",
		Help: "Full model evaluations requested by the solver.",
	}), "equilibrium_solver_evaluations_total")
	if err != nil {
		return nil, err
	}
	periods, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "equilibrium_periods_total",
		Help: "Solved periods, labeled by outcome.",
	}, []string{"outcome"}), "equilibrium_periods_total")
	if err != nil {
		return nil, err
	}
	excess, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "equilibrium_period_max_relative_excess",
		Help: "Largest relative excess supply among solvable markets after solving a period.",
	}, []string{"period"}), "equilibrium_period_max_relative_excess")
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "equilibrium_period_solve_seconds",
		Help:    "Wall time spent solving one period.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}), "equilibrium_period_solve_seconds")
	if err != nil {
		return nil, err
	}
	markets, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "equilibrium_markets",
		Help: "Markets registered in the marketplace.",
	}), "equilibrium_markets")
	if err != nil {
		return nil, err
	}
	warnings, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "equilibrium_calibration_warnings_total",
		Help: "Calibration targets that could not be met exactly.",
	}), "equilibrium_calibration_warnings_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:           gatherer,
		SolverSteps:        steps,
		Evaluations:        evals,
		Periods:            periods,
		PeriodExcess:       excess,
		SolveDuration:      duration,
		Markets:            markets,
		CalibrationWarning: warnings,
	}, nil
}

// RecordPeriod adds the counters of one solved period.
func (c *Collector) RecordPeriod(res solver.PeriodResult) {
	if c == nil {
		return
	}
	c.SolverSteps.WithLabelValues("newton").Add(float64(res.NewtonSteps))
	c.SolverSteps.WithLabelValues("bisection").Add(float64(res.BisectionSteps))
	c.Evaluations.Add(float64(res.Evaluations))
	c.Periods.WithLabelValues(res.Outcome()).Inc()
	c.PeriodExcess.WithLabelValues(strconv.Itoa(res.Period)).Set(res.MaxRelativeExcess)
	c.SolveDuration.Observe(res.Duration.Seconds())
}

// SetMarkets records the marketplace size.
func (c *Collector) SetMarkets(n int) {
	if c == nil {
		return
	}
	c.Markets.Set(float64(n))
}

// AddCalibrationWarnings counts unmet calibration targets.
func (c *Collector) AddCalibrationWarnings(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.CalibrationWarning.Add(float64(n))
}

// Handler exposes a /metrics handler over the collector's registry.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
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

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}
