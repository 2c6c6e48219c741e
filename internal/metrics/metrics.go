// Package metrics exposes the validator core's runtime state as Prometheus
// gauges and counters, served over HTTP when config.MetricsConfig.Enabled
// is set.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veilchain/veil-core/config"
	"github.com/veilchain/veil-core/internal/log"
)

var (
	// ForksActive tracks how many competing forks the consensus module
	// currently holds.
	ForksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veil",
		Name:      "forks_active",
		Help:      "Number of competing forks currently tracked by consensus.",
	})

	// ConfirmationsTotal counts blocks promoted from a fork into the
	// confirmed chain.
	ConfirmationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veil",
		Name:      "confirmations_total",
		Help:      "Total blocks promoted to the confirmed chain.",
	})

	// MempoolSize tracks the number of transactions in the pending store.
	MempoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veil",
		Name:      "mempool_size",
		Help:      "Number of transactions currently pending confirmation.",
	})

	// PoWDifficulty tracks the next mining difficulty of the canonical
	// (confirmed-chain) PoW module, which advances only at confirmation;
	// the validator sets it from pow.Module.NextDifficulty after each
	// accepted proposal. A gauge holds a float64, so values far above 2^53
	// lose precision.
	PoWDifficulty = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veil",
		Name:      "pow_difficulty",
		Help:      "Next mining difficulty of the confirmed chain's PoW module.",
	})

	// RejectTotal counts rejected proposals and transactions by reason, so
	// operators can distinguish a quiet network from one silently rejecting
	// everything it receives.
	RejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veil",
		Name:      "reject_total",
		Help:      "Total rejected blocks or transactions, by reason.",
	}, []string{"reason"})
)

// Server serves the Prometheus /metrics endpoint.
type Server struct {
	http *http.Server
}

// NewServer builds a metrics HTTP server bound to cfg.Addr. Call Start to
// begin serving; it does not listen until then.
func NewServer(cfg config.MetricsConfig) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{http: &http.Server{Addr: cfg.Addr, Handler: mux}}
}

// Start runs the metrics listener until ctx is canceled, logging and
// returning any listen error other than a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Metrics.Info().Str("addr", s.http.Addr).Msg("metrics listener starting")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.http.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
