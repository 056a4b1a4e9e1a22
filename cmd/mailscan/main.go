package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/mailscan/classifier"
	"github.com/migadu/mailscan/composites"
	"github.com/migadu/mailscan/config"
	"github.com/migadu/mailscan/filters"
	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/message"
	"github.com/migadu/mailscan/pkg/metrics"
	"github.com/migadu/mailscan/protocol"
	"github.com/migadu/mailscan/rules"
	"github.com/migadu/mailscan/session"
	"github.com/migadu/mailscan/task"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const timeoutBody = `{"error":"task deadline exceeded"}`

// scanServer holds the assembled pipeline shared by every request.
type scanServer struct {
	cfg       *config.Config
	worker    *task.Worker
	providers *task.Providers
	bayes     *classifier.Bayes
	timeout   time.Duration
}

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "mailscan.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailscan version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = config.NewDefaultConfig()
			fmt.Fprintf(os.Stderr, "MAILSCAN: config %s not found, using defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "MAILSCAN: %v\n", err)
			os.Exit(1)
		}
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILSCAN: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	srv, err := newScanServer(cfg)
	if err != nil {
		logger.Fatal("failed to assemble pipeline", "error", err)
	}
	if srv.bayes != nil {
		defer srv.bayes.Close()
	}

	router := mux.NewRouter()
	router.Handle("/checkv2",
		http.TimeoutHandler(srv.handleScan(task.ProcessAll), srv.timeout, timeoutBody)).
		Methods(http.MethodPost)
	router.Handle("/learnspam",
		http.TimeoutHandler(srv.handleLearn(true), srv.timeout, timeoutBody)).
		Methods(http.MethodPost)
	router.Handle("/learnham",
		http.TimeoutHandler(srv.handleLearn(false), srv.timeout, timeoutBody)).
		Methods(http.MethodPost)
	router.HandleFunc("/ping", handlePing).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("mailscan listening", "addr", cfg.Server.ListenAddr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", "error", err)
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	sig := <-signalChan
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

// newScanServer builds the provider set from the configuration.
func newScanServer(cfg *config.Config) (*scanServer, error) {
	pre, err := filters.NewPreFilters(cfg.Filters.Prefilter)
	if err != nil {
		return nil, err
	}
	post, err := filters.NewPostFilters(cfg.Filters.Postfilter)
	if err != nil {
		return nil, err
	}
	comps, err := composites.New(cfg)
	if err != nil {
		return nil, err
	}

	providers := &task.Providers{
		Protocol:    protocol.NewHandler(),
		Parser:      message.NewParser(),
		PreFilters:  pre,
		PostFilters: post,
		Rules:       rules.New(cfg),
		Composites:  comps,
	}

	var bayes *classifier.Bayes
	if cfg.Classifier.Enabled {
		bayes, err = classifier.Open(cfg.Classifier)
		if err != nil {
			return nil, err
		}
		providers.Classifier = bayes
	}

	logFormat, err := task.CompileLogFormat(cfg.Scan.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("invalid scan.log_format: %w", err)
	}

	timeout, err := cfg.Server.GetTaskTimeout()
	if err != nil {
		return nil, err
	}

	return &scanServer{
		cfg:       cfg,
		worker:    &task.Worker{Name: "scan", LogFormat: logFormat},
		providers: providers,
		bayes:     bayes,
		timeout:   timeout,
	}, nil
}

// handleScan runs the full pipeline against the request body and writes the
// JSON reply.
func (s *scanServer) handleScan(stages task.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.runTask(w, r, stages, nil)
	}
}

// handleLearn feeds the request body into the classifier as spam or ham.
func (s *scanServer) handleLearn(isSpam bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.bayes == nil {
			http.Error(w, `{"error":"classifier is not enabled"}`, http.StatusServiceUnavailable)
			return
		}
		s.runTask(w, r, task.ProcessLearn, func(t *task.Task) {
			t.MarkForLearning(isSpam, "bayes")
		})
	}
}

func (s *scanServer) runTask(w http.ResponseWriter, r *http.Request, stages task.Stage, setup func(*task.Task)) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"cannot read request body"}`, http.StatusBadRequest)
		return
	}

	metrics.TasksActive.Inc()
	defer metrics.TasksActive.Dec()

	t := task.New(s.worker, s.cfg)
	defer t.Free()

	t.Providers = s.providers
	t.ReplyWriter = w
	t.S = session.New(t.Fin, nil)
	if setup != nil {
		setup(t)
	}

	w.Header().Set("Content-Type", "application/json")

	req := &task.Request{Headers: requestHeaders(r)}
	if err := t.LoadMessage(req, body); err != nil {
		logger.Warn("message load failed", "scan_id", t.ScanID, "error", err)
		w.WriteHeader(http.StatusBadRequest)
		s.providers.Protocol.WriteReply(t)
		return
	}
	if err := t.Process(stages); err != nil {
		logger.Warn("task processing failed", "scan_id", t.ScanID, "error", err)
	}

	// All providers are synchronous, so one drive completes the task
	// unless a hook parked events on the session.
	if !t.IsProcessed() && t.S.Pending() > 0 {
		logger.Error("task stalled on pending events",
			"scan_id", t.ScanID, "pending", t.S.Pending())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	t.Fin()
	t.WriteLog()
}

func handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("pong\r\n"))
}

// requestHeaders flattens the HTTP header map into the protocol's
// unique-key pseudo-header view.
func requestHeaders(r *http.Request) task.Headers {
	h := make(task.Headers, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			h.Set(name, values[0])
		}
	}
	return h
}
