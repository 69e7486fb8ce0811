package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/acd-engine/internal/acdqueue"
	"github.com/snarg/acd-engine/internal/config"
	"github.com/snarg/acd-engine/internal/devicebus"
	"github.com/snarg/acd-engine/internal/metrics"
	"github.com/snarg/acd-engine/internal/persist"
	"github.com/snarg/acd-engine/internal/realtime"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Config    *config.Config
	Store     *acdqueue.Store
	API       *acdqueue.API
	Events    *acdqueue.EventEmitter
	DeviceBus *devicebus.Subscriber // nil if MQTT is not configured
	Realtime  *realtime.Source      // nil if no realtime backend is configured
	Persist   *persist.Store        // nil if persistence is disabled
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()

	var corsOrigins []string
	if opts.Config.CORSOrigins != "" {
		for _, o := range strings.Split(opts.Config.CORSOrigins, ",") {
			if s := strings.TrimSpace(o); s != "" {
				corsOrigins = append(corsOrigins, s)
			}
		}
	}

	r.Use(RequestID)
	r.Use(CORSWithOrigins(corsOrigins))
	r.Use(RateLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	var persistDB *badger.DB
	if opts.Persist != nil {
		persistDB = opts.Persist.DB()
	}

	health := NewHealthHandler(opts.Store, opts.DeviceBus, opts.Realtime, persistDB, opts.Version, opts.StartTime)
	r.Get("/api/v1/health", health.ServeHTTP)

	if opts.Config.MetricsEnabled {
		collector := metrics.NewCollector(opts.Store, persistDB)
		prometheus.MustRegister(collector)
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(MaxBodySize(1 << 20)) // 1 MB: management payloads are small JSON bodies
		if opts.Config.MetricsEnabled {
			r.Use(metrics.InstrumentHandler)
		}
		if opts.Config.AuthEnabled {
			r.Use(BearerAuth(opts.Config.AuthToken))
		}
		r.Use(ResponseTimeout(opts.Config.WriteTimeout))

		r.Route("/api/v1", func(r chi.Router) {
			NewQueuesHandler(opts.Store, opts.API).Routes(r)
			NewMembersHandler(opts.API).Routes(r)
			NewCallsHandler(opts.API).Routes(r)
			NewEventsHandler(opts.Events).Routes(r)
		})
	})

	srv := &http.Server{
		Addr:        opts.Config.HTTPAddr,
		Handler:     r,
		ReadTimeout: opts.Config.ReadTimeout,
		IdleTimeout: opts.Config.IdleTimeout,
		// WriteTimeout left at 0 on the server itself: the SSE stream is
		// long-lived, and ResponseTimeout already bounds every other route.
		WriteTimeout: 0,
	}

	return &Server{http: srv, log: opts.Log}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
