/*
Copyright 2020 The Crossplane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nclav/nclav/internal/api"
	"github.com/nclav/nclav/internal/driver"
	"github.com/nclav/nclav/internal/driver/faketest"
	"github.com/nclav/nclav/internal/logging"
	"github.com/nclav/nclav/internal/metrics"
	"github.com/nclav/nclav/internal/reconciler"
	"github.com/nclav/nclav/internal/store"
	"github.com/nclav/nclav/internal/store/filekv"
	"github.com/nclav/nclav/internal/store/memstore"
	"github.com/nclav/nclav/internal/store/pgstore"
	"github.com/nclav/nclav/internal/workdir"
)

func main() {
	var (
		app                = kingpin.New(filepath.Base(os.Args[0]), "nclav: declarative cloud infrastructure orchestration.").DefaultEnvars()
		listen             = app.Flag("listen", "Address the HTTP API listens on.").Default(":8080").String()
		enclavesDir        = app.Flag("enclaves-dir", "Root directory of the enclave/partition YAML tree.").Required().ExistingDir()
		homeDir            = app.Flag("home-dir", "Directory Terraform workspaces are materialized under.").Default("/var/lib/nclavd").String()
		storeKind          = app.Flag("store", "State store backend: memory, file, or postgres.").Default("file").Enum("memory", "file", "postgres")
		storeFile          = app.Flag("store-file", "Path to the single-file store's log, when --store=file.").Default("/var/lib/nclavd/nclav.db").String()
		storeDSN           = app.Flag("store-dsn", "Postgres connection string, when --store=postgres.").String()
		bearerTokenFile    = app.Flag("bearer-token-file", "Path to a file holding the static bearer token every API call must present.").Required().ExistingFile()
		defaultCloud       = app.Flag("default-cloud", "Driver name used by enclaves that do not declare a cloud.").Default("faketest").String()
		maxPartitionFanout = app.Flag("max-partition-fanout", "Bound on concurrent partition provisions per enclave.").Default("8").Int64()
		iacTimeout         = app.Flag("iac-timeout", "Wall-clock timeout for a single terraform/tofu invocation.").Default("30m").Duration()
		toolOverride       = app.Flag("tool", "Path to the terraform/tofu binary, overriding PATH lookup.").String()
		gcInterval         = app.Flag("gc-interval", "How often orphaned workspace directories are swept.").Default("1h").Duration()
		debug              = app.Flag("debug", "Run with debug logging.").Short('d').Bool()
		logEncoding        = app.Flag("log-encoding", "Log output encoding: console or json.").Default("console").Enum("console", "json")
	)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log, err := logging.New(*debug, *logEncoding)
	kingpin.FatalIfError(err, "Cannot build logger")
	defer func() { _ = log.Sync() }()

	log.Info("Starting nclavd",
		"listen", *listen,
		"enclaves-dir", *enclavesDir,
		"store", *storeKind,
		"max-partition-fanout", *maxPartitionFanout)

	bearerToken, err := readToken(*bearerTokenFile)
	kingpin.FatalIfError(err, "Cannot read bearer token file")

	st, err := openStore(*storeKind, *storeFile, *storeDSN)
	kingpin.FatalIfError(err, "Cannot open state store")

	drivers := driver.NewRegistry(*defaultCloud)
	drivers.Register(faketest.New(*defaultCloud))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mat := workdir.NewMaterializer(*homeDir)
	runner := &reconciler.TerraformRunner{
		Materializer:  mat,
		Store:         st,
		ServerBaseURL: listenBaseURL(*listen),
		BearerToken:   bearerToken,
		ToolOverride:  *toolOverride,
		Logger:        log,
		Timeout:       *iacTimeout,
	}

	rec := reconciler.New(st, drivers, runner, *enclavesDir,
		reconciler.WithLogger(log),
		reconciler.WithMetrics(m),
		reconciler.WithMaxPartitionFanout(*maxPartitionFanout),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gc := workdir.NewGarbageCollector(st, filepath.Join(*homeDir, "workspaces"),
		workdir.WithGCInterval(*gcInterval),
		workdir.WithGCLogger(log),
	)
	go gc.Run(ctx)

	srv := api.New(st, rec, reg, bearerToken, log)
	server := &http.Server{
		Addr:              *listen,
		Handler:           srv.Router(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("HTTP API listening", "addr", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "HTTP server error")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Shutdown error")
	}
	log.Info("Stopped")
}

func readToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	tok := string(b)
	for len(tok) > 0 && (tok[len(tok)-1] == '\n' || tok[len(tok)-1] == '\r' || tok[len(tok)-1] == ' ') {
		tok = tok[:len(tok)-1]
	}
	return tok, nil
}

func openStore(kind, file, dsn string) (store.Store, error) {
	switch kind {
	case "memory":
		return memstore.New(), nil
	case "postgres":
		return pgstore.Open(context.Background(), dsn)
	default:
		return filekv.Open(file)
	}
}

// listenBaseURL derives the self-referential base URL a Terraform HTTP
// backend should use to reach this process, from its own listen address.
// An address with no explicit host (":8080") resolves against localhost,
// matching how a partition's generated backend config always targets the
// same process that materialized its workspace.
func listenBaseURL(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "http://127.0.0.1" + listen
	}
	return "http://" + listen
}
