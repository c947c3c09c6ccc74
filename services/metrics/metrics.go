// Package metrics exports controller activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldlogger/errcode"
)

const namespace = "fieldlogger"

// Observer implements controller.Observer.
type Observer struct {
	reg *prometheus.Registry

	queueDepth     *prometheus.GaugeVec
	logsMissed     prometheus.Counter
	logsPublished  *prometheus.CounterVec
	commandResults *prometheus.CounterVec
}

func New() *Observer {
	o := &Observer{
		reg: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Logs waiting to be published",
			},
			[]string{"channel"},
		),
		logsMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "missed_total",
			Help:      "Logs dropped for lack of memory",
		}),
		logsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "logs",
				Name:      "published_total",
				Help:      "Publish attempts by channel and result",
			},
			[]string{"channel", "result"},
		),
		commandResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commands",
				Name:      "handled_total",
				Help:      "Commands handled by variable and return value",
			},
			[]string{"variable", "result"},
		),
	}
	o.reg.MustRegister(o.queueDepth, o.logsMissed, o.logsPublished, o.commandResults)
	return o
}

func (o *Observer) Registry() *prometheus.Registry { return o.reg }

func (o *Observer) QueueDepth(channel string, n int) {
	o.queueDepth.WithLabelValues(channel).Set(float64(n))
}

func (o *Observer) LogMissed() { o.logsMissed.Inc() }

func (o *Observer) LogPublished(channel string, err error) {
	result := "ok"
	if err != nil {
		result = string(errcode.Of(err))
	}
	o.logsPublished.WithLabelValues(channel, result).Inc()
}

func (o *Observer) CommandHandled(variable string, ret int) {
	if variable == "" {
		variable = "none"
	}
	o.commandResults.WithLabelValues(variable, resultLabel(ret)).Inc()
}

func resultLabel(ret int) string {
	switch {
	case ret == 0:
		return "ok"
	case ret > 0:
		return "unchanged"
	default:
		return "error"
	}
}

// Handler serves the registry in the Prometheus exposition format plus a
// /health probe.
func (o *Observer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Serve listens on addr until ctx is cancelled.
func (o *Observer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           o.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
