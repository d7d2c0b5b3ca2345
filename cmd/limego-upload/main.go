package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/willibrandon/LimeGo/pkg/snapshot"
	"github.com/willibrandon/LimeGo/pkg/upload"
	"github.com/willibrandon/LimeGo/pkg/version"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	root := &cobra.Command{
		Use:           "limego-upload",
		Short:         "upload a finished image to remote storage",
		Version:       version.GetVersionInfo(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	put := &cobra.Command{
		Use:   "put <filename> <url>",
		Short: "upload a file via a single HTTP PUT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return upload.Put(cmd.Context(), args[0], args[1])
		},
	}

	var (
		blockSize   int
		concurrency int
	)
	blob := &cobra.Command{
		Use:   "upload-blob <filename> <sas-url>",
		Short: "upload a file as an Azure block blob",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploader, err := upload.NewBlobUploader(args[1], upload.BlobOptions{
				BlockSizeMiB: blockSize,
				Concurrency:  concurrency,
			})
			if err != nil {
				return err
			}
			return uploader.UploadFile(cmd.Context(), args[0])
		},
	}
	blob.Flags().IntVar(&blockSize, "sas-block-size", upload.DefaultBlockSizeMiB, "block size in MiB")
	blob.Flags().IntVar(&concurrency, "sas-block-concurrency", upload.DefaultConcurrency, "parallel block uploads")

	root.AddCommand(put, blob)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := root.ExecuteContext(ctx)
	if err != nil {
		log.Error().Err(err).Msg("upload failed")
	}
	os.Exit(snapshot.ExitCode(err))
}
