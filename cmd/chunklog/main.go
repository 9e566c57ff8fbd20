//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2023 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/chunklog/adapters/repos/chunklog"
	enterrors "github.com/weaviate/chunklog/entities/errors"
	"github.com/weaviate/chunklog/usecases/config"
	"github.com/weaviate/chunklog/usecases/monitoring"
)

const (
	TargetServe   = "serve"
	TargetReport  = "report"
	TargetRecover = "recover"
)

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	bootstrap := logrus.New()
	cfg, err := config.LoadConfig(opts.ConfigFile, bootstrap)
	if err != nil {
		bootstrap.WithError(err).Fatal("failed to load config")
	}
	if opts.DataPath != "" {
		cfg.DataPath = opts.DataPath
	}
	logger := config.NewLogger(cfg.LogFormat, cfg.LogLevel).
		WithField("app", "chunklog").
		WithField("node_id", cfg.NodeID)

	promMetrics := monitoring.GetMetrics()
	ctx := context.Background()
	store, err := chunklog.NewStore(ctx, cfg.DataPath, logger, chunklog.NewMetrics(promMetrics, "node"), nil,
		chunklog.WithConfig(cfg))
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}

	switch opts.Target {
	case TargetServe:
		serve(store, opts.MetricsListenAddr, promMetrics, logger)
	case TargetReport:
		fmt.Println(store.OccupiedSpace())
		fmt.Println(store.SegmentUtilizationReport())
	case TargetRecover:
		start := time.Now()
		chunks, stats, err := store.RecoverAll(ctx, opts.VerifyChecksums)
		if err != nil {
			logger.WithError(err).Fatal("recovery failed")
		}
		logger.WithField("chunks", len(chunks)).
			WithField("deleted", stats.Deleted).
			WithField("checksum_mismatches", stats.ChecksumMismatches).
			WithField("corrupt_segments", stats.CorruptSegments).
			WithField("took", time.Since(start)).
			Info("recovered all ranges")
	default:
		logger.Fatal("--target empty or unknown")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, opts.ShutdownTimeout)
	defer cancel()
	if err := store.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("failed to shut down store")
	}
}

// serve exposes the metrics until the process is interrupted.
func serve(store *chunklog.Store, addr string, promMetrics *monitoring.PrometheusMetrics,
	logger logrus.FieldLogger,
) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.WithError(err).Fatal("failed to bind metrics port")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/space", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, store.OccupiedSpace())
		fmt.Fprintln(w, store.SegmentUtilizationReport())
	})
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	enterrors.GoWrapper(func() {
		logger.WithField("address", addr).Info("serving metrics")
		if err := server.Serve(monitoring.CountingListener(listener, promMetrics.MetricsConnections)); err != nil &&
			err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped")
		}
	}, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("metrics server shutdown")
	}
}

// Options represents command line options
type Options struct {
	Target            string        `long:"target" description:"what to run: serve, report or recover" default:"serve"`
	ConfigFile        string        `long:"config-file" description:"path to the yaml or json config file"`
	DataPath          string        `long:"data-path" description:"overrides data_path of the config"`
	MetricsListenAddr string        `long:"metrics.listen" description:"address the metrics endpoint listens at" default:"127.0.0.1:2112"`
	VerifyChecksums   bool          `long:"verify-checksums" description:"skip entries whose payload checksum does not match during recover"`
	ShutdownTimeout   time.Duration `long:"shutdown-timeout" description:"time allowed to write staged updates on exit" default:"30s"`
}
