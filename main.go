package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/joho/godotenv/autoload"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

const sweepInterval = 1 * time.Hour

func main() {
	if err := InitConfig(); err != nil {
		glog.Fatalw("failed to load configuration", "err", err)
	}
	setupLogger(config.LogLevel)

	sb, err := NewSandbox(config.RootDir)
	if err != nil {
		// A root that cannot be sandboxed (most importantly "/") must not
		// expose the filesystem; fall back to the default instead.
		glog.Warnw("unusable root, falling back to ./data", "root", config.RootDir, "err", err)
		if sb, err = NewSandbox("./data"); err != nil {
			glog.Fatalw("failed to set up sandbox", "err", err)
		}
	}
	sandbox = sb

	sessions, err = NewSessionStore(sandbox, config.MaxUploadBytes)
	if err != nil {
		glog.Fatalw("failed to set up session store", "err", err)
	}

	InitMetrics()

	r := mux.NewRouter()
	r.HandleFunc("/api/upload/init", handleUploadInit).Methods(http.MethodPost)
	r.HandleFunc("/api/upload/chunk", handleUploadChunk).Methods(http.MethodPost)
	r.HandleFunc("/api/upload/status", handleUploadStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/upload/complete", handleUploadComplete).Methods(http.MethodPost)
	r.HandleFunc("/api/list", handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/download", handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/archive", handleArchive).Methods(http.MethodGet)
	r.HandleFunc("/api/upload", handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/mkdir", handleMkdir).Methods(http.MethodPost)
	r.HandleFunc("/api/rename", handleRename).Methods(http.MethodPost)
	r.HandleFunc("/api/delete", handleDelete).Methods(http.MethodPost)
	r.HandleFunc("/health", handleHealth)
	r.HandleFunc("/status", handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", metricsHandler())
	if config.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(config.StaticDir)))
	}

	srv := &http.Server{
		Addr:    ":" + config.Port,
		Handler: r,
	}

	l, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		glog.Fatalw("listen failed", "addr", srv.Addr, "err", err)
	}
	if config.MaxConns > 0 {
		l = netutil.LimitListener(l, config.MaxConns)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		glog.Infow("starting server", "addr", srv.Addr, "root", sandbox.Root(), "version", Version)
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if config.SessionMaxAge <= 0 {
			return nil
		}
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				sessions.Sweep(config.SessionMaxAge)
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		glog.Infow("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		glog.Fatalw("server exited", "err", err)
	}
	glog.Infow("server exiting")
}
