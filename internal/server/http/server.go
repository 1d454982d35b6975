package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/rzbill/regflow/internal/server/http/controllers"
	"github.com/rzbill/regflow/internal/services/pipeline"
	"github.com/rzbill/regflow/pkg/log"
)

// DefaultShutdownTimeout bounds graceful shutdown in ListenAndServe.
const DefaultShutdownTimeout = 10 * time.Second

type Server struct {
	svc    *pipeline.Service
	srv    *http.Server
	lis    net.Listener
	logger log.Logger

	ShutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*options)

type options struct {
	trustedProxies []string
}

// WithTrustedProxies lists the proxy addresses or CIDR prefixes whose
// X-Forwarded-For header is believed. Without it the client is always the
// TCP peer.
func WithTrustedProxies(list []string) Option {
	return func(o *options) { o.trustedProxies = list }
}

func New(svc *pipeline.Service, logger log.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = logger.WithComponent("http")
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	trusted, err := controllers.ParseTrustedProxies(o.trustedProxies)
	if err != nil {
		// config validation rejects these first; fall back to the peer address
		logger.Warn("ignoring trusted proxies", log.Err(err))
		trusted = nil
	}
	mux := http.NewServeMux()
	controllers.NewControllerRegistry(svc, controllers.NewClientIPResolver(trusted), logger).RegisterAllRoutes(mux)
	s := &Server{
		svc:             svc,
		logger:          logger,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	s.srv = &http.Server{
		Handler:           cors(s.requestLog(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.ToStdLogger(logger, log.WarnLevel),
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve is ListenAndServe over an existing listener.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	s.logger.Info("http server listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(cctx); err != nil {
			s.logger.Warn("http shutdown incomplete", log.Err(err))
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestLog tags each request with an id and logs its outcome.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := log.ContextWithRequestID(r.Context(), reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		fields := []log.Field{
			log.Str("method", r.Method),
			log.Str("path", r.URL.Path),
			log.Int("status", rec.status),
			log.Dur("elapsed", time.Since(start)),
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			fields = append(fields, log.Str(log.TraceIDKey, sc.TraceID().String()))
		}
		logger := s.logger.WithContext(ctx)
		if rec.status >= 500 {
			logger.Warn("request failed", fields...)
			return
		}
		logger.Debug("request served", fields...)
	})
}
