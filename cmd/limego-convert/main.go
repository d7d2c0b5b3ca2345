package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/willibrandon/LimeGo/pkg/lime"
	"github.com/willibrandon/LimeGo/pkg/snapshot"
	"github.com/willibrandon/LimeGo/pkg/version"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var (
		sourceFormat string
		format       string
	)

	cmd := &cobra.Command{
		Use:           "limego-convert <input> <output>",
		Short:         "convert a LiME image between raw and compressed payloads",
		Version:       version.GetVersionInfo(),
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := lime.ParseFormat(sourceFormat)
			if err != nil {
				return errors.Wrap(snapshot.ErrInvalidArgument, err.Error())
			}
			out, err := lime.ParseFormat(format)
			if err != nil {
				return errors.Wrap(snapshot.ErrInvalidArgument, err.Error())
			}
			if out == lime.FormatAuto {
				return errors.Wrap(snapshot.ErrInvalidArgument, "output format must be explicit")
			}
			if in == out {
				return errors.Wrap(snapshot.ErrInvalidArgument, "no conversion required")
			}
			return lime.Convert(args[0], args[1], in, out)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&sourceFormat, "source-format", "auto", "input format (auto, lime, or lime_compressed)")
	flags.StringVar(&format, "format", "lime", "output format (lime or lime_compressed)")

	err := cmd.Execute()
	if err != nil {
		log.Error().Err(err).Msg("conversion failed")
	}
	os.Exit(snapshot.ExitCode(err))
}
