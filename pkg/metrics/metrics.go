package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	BalanceRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gpubalance_balance_runs_total",
			Help: "Total number of balance cycles executed",
		},
	)

	ImbalanceDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gpubalance_imbalance_detected_total",
			Help: "Total number of cycles that found the fleet imbalanced",
		},
	)

	ActionsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpubalance_actions_executed_total",
			Help: "Total rebalance actions executed, by action type",
		},
		[]string{"action_type"},
	)

	ProcessesReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gpubalance_processes_reaped_total",
			Help: "Total stuck worker processes removed from the registry",
		},
	)

	// Gauges
	GPUsAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpubalance_gpus_available",
			Help: "Number of GPUs in the published available set",
		},
	)

	GPUUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpubalance_gpu_utilization",
			Help: "Last observed per-GPU utilization percentage",
		},
		[]string{"gpu"},
	)

	LoadVariance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpubalance_load_variance",
			Help: "Population variance of per-GPU load scores at last detection",
		},
	)
)
