package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"aurapaste/cfg"
	"aurapaste/metrics"
	"aurapaste/svc/lim"
	"aurapaste/svc/paste"
	"aurapaste/svc/stats"
	"aurapaste/svc/store"
	"aurapaste/svc/util"
)

type Server struct {
	router     *chi.Mux
	paste      *paste.Service
	stats      *stats.Service
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	db         *store.SQLite
	rdb        *store.Redis
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, p *paste.Service, st *stats.Service, l *lim.Limiter, db *store.SQLite, rdb *store.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{
		router: r,
		paste:  p,
		stats:  st,
		lim:    l,
		cfg:    c,
		db:     db,
		rdb:    rdb,
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	r.Mount("/debug", middleware.Profiler())

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
			metrics.RequestDuration.
				WithLabelValues(req.Method, req.URL.Path, strconv.Itoa(status)).
				Observe(dur.Seconds())
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)
		r.Use(mw.ErrorWatch)
		hdl := &Hdl{paste: p, stats: st, cfg: c}
		r.With(mw.RateLimit("create")).Post("/pastes", hdl.CreatePaste)
		r.With(mw.RateLimit("read")).Get("/pastes/recent", hdl.RecentPastes)
		r.With(mw.RateLimit("read")).Get("/pastes/{id}", hdl.GetPaste)
		r.With(mw.RateLimit("read")).Get("/pastes/{id}/raw", hdl.RawPaste)
		r.With(mw.RateLimit("read")).Get("/pastes/{id}/download", hdl.DownloadPaste)
		r.With(mw.RateLimit("write")).Put("/pastes/{id}", hdl.UpdatePaste)
		r.With(mw.RateLimit("write")).Delete("/pastes/{id}", hdl.DeletePaste)
		r.With(mw.RateLimit("read")).Get("/users/{uid}/pastes", hdl.UserPastes)
		r.With(mw.RateLimit("read")).Get("/users/{uid}/stats", hdl.UserStats)
		r.With(mw.RateLimit("read")).Get("/users/{uid}/achievements", hdl.UserAchievements)
		r.With(mw.RateLimit("write")).Put("/users/me", hdl.SyncMe)
	})
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
