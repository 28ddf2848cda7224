package httpx

import (
	"net/http"
	"time"

	"github.com/ariefcatur/go-mpesa-orders/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 30 * time.Second

// NewRouter builds the base router. gatherer may be nil to omit /metrics.
// timeout must exceed the payment push timeout; zero selects the default.
func NewRouter(log *zap.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer, timeout time.Duration) *chi.Mux {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(Observe(log, m))
	r.Use(middleware.Timeout(timeout))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}
