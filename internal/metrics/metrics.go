package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the relay collectors. A nil *Recorder records nothing.
type Recorder struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	chunks          prometheus.Counter
	streamBytes     prometheus.Counter
	chunkSize       prometheus.Histogram
	firstChunk      prometheus.Histogram
}

// New builds a Recorder and registers its collectors with r.
func New(r prometheus.Registerer) *Recorder {
	rec := &Recorder{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Relay calls by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_request_duration_seconds",
				Help:    "Relay call duration from request to last byte",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_stream_chunks_total",
			Help: "Upstream chunks forwarded in stream mode",
		}),
		streamBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_stream_bytes_total",
			Help: "Bytes forwarded in stream mode",
		}),
		chunkSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_stream_chunk_bytes",
			Help:    "Size of forwarded chunks",
			Buckets: prometheus.ExponentialBuckets(64, 4, 6),
		}),
		firstChunk: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_stream_first_chunk_seconds",
			Help:    "Time from upstream request to first forwarded chunk",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if r != nil {
		r.MustRegister(rec.requests, rec.requestDuration, rec.chunks, rec.streamBytes, rec.chunkSize, rec.firstChunk)
	}
	return rec
}

// RecordRequest counts a finished relay call and observes its duration.
func (r *Recorder) RecordRequest(mode, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(mode, outcome).Inc()
	r.requestDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordChunk records one forwarded chunk of n bytes.
func (r *Recorder) RecordChunk(n int) {
	if r == nil {
		return
	}
	r.chunks.Inc()
	r.streamBytes.Add(float64(n))
	r.chunkSize.Observe(float64(n))
}

// ObserveFirstChunk records the latency until the first chunk was forwarded.
func (r *Recorder) ObserveFirstChunk(d time.Duration) {
	if r == nil {
		return
	}
	r.firstChunk.Observe(d.Seconds())
}
