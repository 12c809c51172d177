package vmorch

import "github.com/prometheus/client_golang/prometheus"

var (
	vmBootDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratvm_vm_boot_duration_seconds",
		Help:    "Time from the first hypervisor spawn until InstanceStart is accepted, before the guest agent handshake.",
		Buckets: prometheus.DefBuckets,
	})

	activeVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratvm_active_vms",
		Help: "Number of microVMs currently running a task.",
	})

	workloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratvm_vsock_workload_duration_seconds",
		Help:    "Time spent waiting for the guest's framed result over vsock.",
		Buckets: prometheus.DefBuckets,
	})

	cleanupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratvm_vm_cleanup_duration_seconds",
		Help:    "Time spent tearing down a VM instance's sockets and process.",
		Buckets: prometheus.DefBuckets,
	})

	tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratvm_tasks_total",
		Help: "Tasks run through the orchestrator by terminal status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(vmBootDuration, activeVMs, workloadDuration, cleanupDuration, tasksTotal)
}
