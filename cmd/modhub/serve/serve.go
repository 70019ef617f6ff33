// Copyright 2021 IBM Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emperror.dev/errors"
	"github.com/modhub/modhub/internal/metrics"
	"github.com/modhub/modhub/internal/server"
	"github.com/modhub/modhub/pkg/blobstore"
	"github.com/modhub/modhub/pkg/config"
	"github.com/modhub/modhub/pkg/database"
	"github.com/modhub/modhub/pkg/ingest"
	"github.com/modhub/modhub/pkg/scheduler"
	"github.com/modhub/modhub/pkg/upload"
	"github.com/modhub/modhub/pkg/utils/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  `Opens the metadata store and blob store, then serves /metadata, /upload, /download/{id} and /setup until interrupted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.ProvideConfig(viper.GetViper())
		if err != nil {
			return err
		}

		zlog, err := logger.NewZapLogger(cfg.Development, cfg.Verbose)
		if err != nil {
			return err
		}
		logger.SetLogger(zlog)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
		defer stop()

		return run(ctx, cfg)
	},
}

func init() {
	flags := ServeCmd.Flags()
	flags.StringP("listen", "l", config.DefaultListen, "address the HTTP API listens on")
	flags.String("blob-root", "", "blob store root, a directory or gs://bucket/prefix (default <data-dir>/mods)")
	flags.String("thumbnail-dir", "", "thumbnail directory (default <data-dir>/thumbnails)")
	flags.Int64("max-upload-size", config.DefaultMaxUploadSize, "largest accepted upload body in bytes")
	flags.Bool("strict-field-order", false, "reject uploads whose file part precedes the id part")
	flags.Duration("sweep-interval", time.Hour, "orphan blob sweep interval, 0 disables sweeping")
	flags.String("tls-cert", "", "TLS certificate file")
	flags.String("tls-key", "", "TLS key file")

	for key, name := range map[string]string{
		"listen":             "listen",
		"blob-root":          "blob-root",
		"thumbnail-dir":      "thumbnail-dir",
		"max-upload-size":    "max-upload-size",
		"strict-field-order": "strict-field-order",
		"sweep.interval":     "sweep-interval",
		"tls.cert":           "tls-cert",
		"tls.key":            "tls-key",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func run(ctx context.Context, cfg *config.ServiceConfig) error {
	log := logger.NewLogger("serve")

	if err := os.MkdirAll(cfg.ThumbnailDir, 0755); err != nil {
		return errors.Wrapf(err, "can't create %s", cfg.ThumbnailDir)
	}

	db, err := database.Open(database.DatabaseConfig{Path: cfg.Database, Verbose: cfg.Verbose})
	if err != nil {
		return err
	}

	store, storeCloser := database.New(db)
	defer storeCloser.Close()

	blobs, blobCloser, err := blobstore.New(ctx, cfg.BlobRoot)
	if err != nil {
		return err
	}
	defer blobCloser.Close()

	coordinator := ingest.NewCoordinator(
		upload.NewAssembler(upload.Config{StrictFieldOrder: cfg.StrictFieldOrder}),
		blobs,
		store,
	)

	if err := coordinator.Setup(ctx); err != nil {
		return errors.WrapIf(err, "failed to prepare metadata store")
	}

	m := metrics.New()

	sfg := &scheduler.SchedulerConfig{
		Log:         log.WithName("scheduler"),
		Sweeper:     coordinator,
		Interval:    cfg.Sweep.Interval,
		GracePeriod: cfg.Sweep.GracePeriod,
		Metrics:     m,
	}
	sfg.StartScheduler(ctx)

	srv := server.WithAddress(&server.Server{
		Log:           log.WithName("server"),
		Service:       coordinator,
		MaxUploadSize: cfg.MaxUploadSize,
		Metrics:       m,
	}, cfg.Listen)

	if cfg.TLS.Enabled() {
		srv = server.WithTLS(srv, cfg.TLS.Key, cfg.TLS.Cert)
	}

	log.Logger.Info("starting", "listen", cfg.Listen, "database", cfg.Database, "blob-root", cfg.BlobRoot)
	return srv.Start(ctx)
}
