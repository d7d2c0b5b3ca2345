package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/willibrandon/LimeGo/pkg/config"
	"github.com/willibrandon/LimeGo/pkg/iomem"
	"github.com/willibrandon/LimeGo/pkg/lime"
	"github.com/willibrandon/LimeGo/pkg/memsource"
	"github.com/willibrandon/LimeGo/pkg/snapshot"
	"github.com/willibrandon/LimeGo/pkg/upload"
	"github.com/willibrandon/LimeGo/pkg/version"
)

const iomemPath = "/proc/iomem"

type options struct {
	compress        bool
	source          string
	maxDiskUsageMB  uint64
	maxDiskUsagePct float64
	url             string
	sasURL          string
	sasBlockSize    int
	sasConcurrency  int
	delete          bool
	configPath      string
	quiet           bool
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var opts options
	cmd := &cobra.Command{
		Use:           "limego <filename>",
		Short:         "acquire physical memory into a LiME image",
		Version:       version.GetVersionInfo(),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.quiet {
				log = log.Level(zerolog.ErrorLevel)
			}
			if err := applyConfig(cmd, &opts); err != nil {
				return err
			}
			if err := validate(&opts); err != nil {
				return err
			}
			return run(cmd.Context(), args[0], &opts, log)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.compress, "compress", false, "compress pages via snappy")
	flags.StringVar(&opts.source, "source", "", "force a memory source (/dev/crash, /proc/kcore, or /dev/mem)")
	flags.Uint64Var(&opts.maxDiskUsageMB, "max-disk-usage", 0, "maximum disk usage in MB (estimated)")
	flags.Float64Var(&opts.maxDiskUsagePct, "max-disk-usage-percentage", 0, "maximum disk usage as a percentage of the filesystem (estimated)")
	flags.StringVar(&opts.url, "url", "", "upload via HTTP PUT upon acquisition")
	flags.StringVar(&opts.sasURL, "sas-url", "", "upload via Azure Blob Store upon acquisition")
	flags.IntVar(&opts.sasBlockSize, "sas-block-size", upload.DefaultBlockSizeMiB, "block blob upload block size in MiB")
	flags.IntVar(&opts.sasConcurrency, "sas-block-concurrency", upload.DefaultConcurrency, "block blob upload concurrency")
	flags.BoolVar(&opts.delete, "delete", false, "delete the local image upon successful upload")
	flags.StringVar(&opts.configPath, "config", "", "YAML file with upload defaults")
	flags.BoolVar(&opts.quiet, "quiet", false, "log errors only")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		log.Error().Err(err).Msg("acquisition failed")
	}
	os.Exit(snapshot.ExitCode(err))
}

// applyConfig fills in defaults from the config file for every flag the
// user did not pass explicitly.
func applyConfig(cmd *cobra.Command, opts *options) error {
	if opts.configPath == "" {
		return nil
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return errors.Wrap(snapshot.ErrInvalidArgument, err.Error())
	}

	flags := cmd.Flags()
	if !flags.Changed("url") {
		opts.url = cfg.URL
	}
	if !flags.Changed("sas-url") {
		opts.sasURL = cfg.SASURL
	}
	if !flags.Changed("sas-block-size") && cfg.SASBlockSizeMiB > 0 {
		opts.sasBlockSize = cfg.SASBlockSizeMiB
	}
	if !flags.Changed("sas-block-concurrency") && cfg.SASBlockConcurrency > 0 {
		opts.sasConcurrency = cfg.SASBlockConcurrency
	}
	if !flags.Changed("delete") {
		opts.delete = cfg.Delete
	}
	if !flags.Changed("compress") {
		opts.compress = cfg.Compress
	}
	return nil
}

func validate(opts *options) error {
	switch opts.source {
	case "", memsource.DevCrash, memsource.ProcKcore, memsource.DevMem:
	default:
		return errors.Wrapf(snapshot.ErrInvalidArgument, "unknown source %q", opts.source)
	}
	if opts.url != "" && opts.sasURL != "" {
		return errors.Wrap(snapshot.ErrInvalidArgument, "--url and --sas-url are mutually exclusive")
	}
	if opts.delete && opts.url == "" && opts.sasURL == "" {
		return errors.Wrap(snapshot.ErrInvalidArgument, "--delete requires an upload target")
	}
	return nil
}

func run(ctx context.Context, destination string, opts *options, log zerolog.Logger) error {
	ranges, err := iomem.Parse(iomemPath)
	if err != nil {
		return err
	}
	log.Info().
		Int("ranges", len(ranges)).
		Uint64("bytes", iomem.TotalSize(ranges)).
		Msg("memory map read")

	format := lime.FormatRaw
	if opts.compress {
		format = lime.FormatCompressed
	}

	s := &snapshot.Snapshot{
		Destination:     destination,
		Ranges:          ranges,
		Source:          opts.source,
		Format:          format,
		URL:             opts.url,
		SASURL:          opts.sasURL,
		BlockSizeMiB:    opts.sasBlockSize,
		Concurrency:     opts.sasConcurrency,
		Delete:          opts.delete,
		MaxDiskUsageMB:  opts.maxDiskUsageMB,
		MaxDiskUsagePct: opts.maxDiskUsagePct,
		Log:             log,
	}
	return s.Run(ctx)
}
