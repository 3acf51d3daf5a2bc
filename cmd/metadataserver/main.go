package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/tkey-engine/api/metadatahandler"
	"github.com/ruteri/tkey-engine/cmd/flags"
	"github.com/ruteri/tkey-engine/httpserver"
	"github.com/ruteri/tkey-engine/storage"
	"github.com/urfave/cli/v2"
)

var cliFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringSliceFlag{
		Name:  "storage",
		Value: cli.NewStringSlice("file://./data/blobs"),
		Usage: "blob storage URI (memory://, file://, s3://, ipfs://, vault://); repeat to replicate",
	},
	&cli.StringFlag{
		Name:  "heads",
		Value: "file://./data/heads",
		Usage: "head store URI (memory://, file://, postgres://)",
	},
	flags.LogServiceFlagFn("tkey-metadata"),
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "metadataserver",
		Usage: "Serve versioned threshold-key metadata",
		Flags: cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			store, err := storage.NewStorageBackendFactory(logger).NewStorageLayer(cCtx.StringSlice("storage"), cCtx.String("heads"))
			if err != nil {
				logger.Error("Failed to configure storage", "err", err)
				return err
			}

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			server, err := httpserver.New(cfg, metadatahandler.NewHandler(store, logger))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
