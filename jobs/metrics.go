package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts finished jobs and the bytes they delivered.
type Metrics struct {
	Jobs  *prometheus.CounterVec
	Bytes prometheus.Counter
}

// NewMetrics creates the job metrics and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	jobsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tape_jobs_total",
		Help: "Total number of retrieval jobs by final state",
	}, []string{"state"})

	bytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tape_job_bytes_total",
		Help: "Total number of bytes delivered by retrieval jobs",
	})

	if reg != nil {
		reg.MustRegister(jobsTotal, bytesTotal)
	}

	return &Metrics{
		Jobs:  jobsTotal,
		Bytes: bytesTotal,
	}
}

func (m *Metrics) finished(j *Job) {
	m.Jobs.WithLabelValues(string(j.State)).Inc()
	if j.Bytes > 0 {
		m.Bytes.Add(float64(j.Bytes))
	}
}
