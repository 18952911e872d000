package nanovllm

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "nanovllm"

// engineMetrics holds the collectors one engine reports to.
type engineMetrics struct {
	freeGPUBlocks     prometheus.Gauge
	freeCPUBlocks     prometheus.Gauge
	numGroups         *prometheus.GaugeVec
	preemptionsTotal  *prometheus.CounterVec
	generatedTokens   prometheus.Counter
	windowsTotal      prometheus.Counter
	stallsTotal       prometheus.Counter
	executionFailures prometheus.Counter
	sequenceTooLarge  prometheus.Counter
	finishedRequests  *prometheus.CounterVec
}

func newEngineMetrics(registry prometheus.Registerer) (*engineMetrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &engineMetrics{
		freeGPUBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "free_gpu_blocks",
			Help:      "Number of unreferenced blocks in the device kv cache pool",
		}),
		freeCPUBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "free_cpu_blocks",
			Help:      "Number of unreferenced blocks in the host swap pool",
		}),
		numGroups: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sequence_groups",
			Help:      "Number of sequence groups per scheduler queue",
		}, []string{"queue"}),
		preemptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "preemptions_total",
			Help:      "Total number of preempted sequence groups by applied mode",
		}, []string{"mode"}),
		generatedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generated_tokens_total",
			Help:      "Total number of tokens appended to sequences",
		}),
		windowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "execution_windows_total",
			Help:      "Total number of multi-step execution windows",
		}),
		stallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "window_stalls_total",
			Help:      "Total number of sequences stopped early in a window for lack of blocks",
		}),
		executionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "execution_failures_total",
			Help:      "Total number of failed execution windows",
		}),
		sequenceTooLarge: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sequence_too_large_total",
			Help:      "Total number of requests that can never fit in the kv cache",
		}),
		finishedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "finished_sequences_total",
			Help:      "Total number of finished sequences by finish reason",
		}, []string{"reason"}),
	}

	collectors := map[string]prometheus.Collector{
		"freeGPUBlocks":     m.freeGPUBlocks,
		"freeCPUBlocks":     m.freeCPUBlocks,
		"numGroups":         m.numGroups,
		"preemptionsTotal":  m.preemptionsTotal,
		"generatedTokens":   m.generatedTokens,
		"windowsTotal":      m.windowsTotal,
		"stallsTotal":       m.stallsTotal,
		"executionFailures": m.executionFailures,
		"sequenceTooLarge":  m.sequenceTooLarge,
		"finishedRequests":  m.finishedRequests,
	}
	for name, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}
	return m, nil
}

func (m *engineMetrics) observeScheduler(s *Scheduler) {
	bm := s.BlockManager()
	m.freeGPUBlocks.Set(float64(bm.NumFreeGPUBlocks()))
	m.freeCPUBlocks.Set(float64(bm.NumFreeCPUBlocks()))
	m.numGroups.WithLabelValues("waiting").Set(float64(s.NumWaiting()))
	m.numGroups.WithLabelValues("running").Set(float64(s.NumRunning()))
	m.numGroups.WithLabelValues("swapped").Set(float64(s.NumSwapped()))
}
