// Package webhook is the collector's inbound HTTP surface. Queue
// deliveries land on /api/tasks/*, and the same listener answers
// health probes and scrapes. The server depends only on the pipeline
// handlers and the delivery verifier, so it can come up before the
// chat connection and keep answering probes while the rest of the
// process is still connecting or failing.
package webhook

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/pipeline"
	"github.com/takaraflow/drive-collector-js-sub006/go/queue"
)

// maxBodyBytes bounds a delivery body. Queue messages are a few
// hundred bytes; anything much larger is not ours.
const maxBodyBytes = 1 << 20

// Handlers is the pipeline surface the webhook drives.
type Handlers interface {
	HandleDownload(ctx context.Context, taskID string) pipeline.Result
	HandleUpload(ctx context.Context, taskID string) pipeline.Result
	HandleBatch(ctx context.Context, groupID string, taskIDs []string) pipeline.Result
}

// Config is the webhook server's listen configuration.
type Config struct {
	Port int `long:"port" env:"PORT" default:"8080" description:"HTTP listen port"`
}

// Server routes queue deliveries to the pipeline.
type Server struct {
	cfg      Config
	handlers Handlers
	verifier *queue.Verifier
	router   *mux.Router
}

// New builds the Server and its routes.
func New(cfg Config, handlers Handlers, verifier *queue.Verifier) *Server {
	var s = &Server{cfg: cfg, handlers: handlers, verifier: verifier}
	s.router = s.routes()
	return s
}

// Router exposes the handler tree, for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	var router = mux.NewRouter()
	router.Use(s.logRequests)

	router.Path("/health").Methods("GET").HandlerFunc(serveHealth)
	router.Path("/metrics").Methods("GET").Handler(promhttp.Handler())

	router.Path(queue.DownloadPath).Methods("POST").HandlerFunc(s.serveDownload)
	router.Path(queue.UploadPath).Methods("POST").HandlerFunc(s.serveUpload)
	router.Path(queue.BatchPath).Methods("POST").HandlerFunc(s.serveBatch)
	router.Path(queue.SystemEventsPath).Methods("POST").HandlerFunc(s.serveSystemEvent)

	// Deliveries for task topics this build doesn't know are verified
	// and acknowledged, never bounced: a 4xx would make the queue
	// redeliver them forever.
	router.PathPrefix("/api/tasks/").Methods("POST").HandlerFunc(s.serveUnknownTopic)
	return router
}

// Listen opens the server's TCP socket. Listening is split from
// serving so the process can hold the port, and answer probes, before
// the slower subsystems have started.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listening on port %d: %w", s.cfg.Port, err)
	}
	log.WithField("addr", ln.Addr().String()).Info("webhook server listening")
	return ln, nil
}

// Serve answers requests on |ln| until |ctx| is cancelled, then drains
// in-flight requests with a short grace period.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	var errCh = make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}

	var drainCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("draining webhook server: %w", err)
	}
	<-errCh
	return nil
}

// statusWriter captures the response code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var started = time.Now()
		var sw = &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		var fields = log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": sw.status,
			"took":   time.Since(started).String(),
		}
		// Probes and scrapes are chatty; keep them out of the way.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			log.WithFields(fields).Debug("request")
		} else {
			log.WithFields(fields).Info("request")
		}
		requestsTotal.WithLabelValues(r.URL.Path, fmt.Sprint(sw.status)).Inc()
	})
}

func serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
