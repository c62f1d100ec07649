package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AdmissionMetrics содержит метрики контроллера допуска в группы.
type AdmissionMetrics struct {
	// Результаты операций по типу: join/leave/tick/cancel/confirm/close.
	operations *prometheus.CounterVec
	// Время ожидания блокировки группы.
	lockWait prometheus.Histogram
	// Длительность критической секции.
	criticalSection *prometheus.HistogramVec
	// Переходы статусов.
	transitions *prometheus.CounterVec
	// Нарушения инварианта вместимости; должно оставаться нулём.
	capacityViolations prometheus.Counter
	// Места, занятые успешными join.
	seatsJoined prometheus.Counter
}

// NewAdmissionMetrics регистрирует метрики в DefaultRegisterer.
func NewAdmissionMetrics() *AdmissionMetrics {
	return NewAdmissionMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewAdmissionMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewAdmissionMetricsWithRegisterer(registerer prometheus.Registerer) *AdmissionMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &AdmissionMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "groupbooking_admission_operations_total",
			Help: "Total number of admission operations grouped by operation and result.",
		}, []string{"operation", "result"}),
		lockWait: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "groupbooking_group_lock_wait_seconds",
			Help:    "Time spent waiting for the per-group lock.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		}),
		criticalSection: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "groupbooking_critical_section_seconds",
			Help:    "Duration of the per-group critical section.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "groupbooking_group_transitions_total",
			Help: "Total number of group status transitions.",
		}, []string{"from", "to"}),
		capacityViolations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "groupbooking_capacity_violations_total",
			Help: "Attempted commits that would exceed group capacity. Must stay at zero.",
		}),
		seatsJoined: registerCounter(registerer, prometheus.CounterOpts{
			Name: "groupbooking_seats_joined_total",
			Help: "Total number of seats committed by joins.",
		}),
	}
}

// RecordOperation учитывает результат операции.
func (m *AdmissionMetrics) RecordOperation(operation, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, result).Inc()
}

// RecordLockWait записывает время ожидания блокировки.
func (m *AdmissionMetrics) RecordLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// RecordCriticalSection записывает длительность критической секции.
func (m *AdmissionMetrics) RecordCriticalSection(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.criticalSection.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordTransition учитывает переход статуса.
func (m *AdmissionMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordCapacityViolation учитывает нарушение инварианта вместимости.
func (m *AdmissionMetrics) RecordCapacityViolation() {
	if m == nil {
		return
	}
	m.capacityViolations.Inc()
}

// RecordSeatsJoined учитывает занятые места.
func (m *AdmissionMetrics) RecordSeatsJoined(seats int) {
	if m == nil {
		return
	}
	m.seatsJoined.Add(float64(seats))
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}
