// Package snapshot orchestrates the acquisition pipeline: select a
// memory source, stream the memory map through the LiME writer into a
// local file, then optionally upload the result and clean up.
package snapshot

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/willibrandon/LimeGo/pkg/iomem"
	"github.com/willibrandon/LimeGo/pkg/lime"
	"github.com/willibrandon/LimeGo/pkg/memsource"
	"github.com/willibrandon/LimeGo/pkg/upload"
)

// Snapshot is a fully resolved acquisition plan, constructed once at
// startup and consumed by Run.
type Snapshot struct {
	// Destination is the local image path.
	Destination string

	// Ranges is the memory map to acquire, sorted and non-overlapping.
	Ranges []iomem.Range

	// Source forces a specific memory source path. Empty means probe
	// /dev/crash, /proc/kcore, /dev/mem in order.
	Source string

	// Format selects raw or page-compressed LiME output.
	Format lime.Format

	// URL, if set, uploads the finished image with a single HTTP PUT.
	URL string

	// SASURL, if set, uploads the finished image as a block blob.
	SASURL string

	// BlockSizeMiB and Concurrency tune the block blob upload.
	BlockSizeMiB int
	Concurrency  int

	// Delete removes the local image after a successful upload.
	Delete bool

	// MaxDiskUsageMB and MaxDiskUsagePct cap the estimated image size;
	// zero disables the respective check.
	MaxDiskUsageMB  uint64
	MaxDiskUsagePct float64

	// Log receives per-source attempt and pipeline progress events.
	// The zero value is a disabled logger.
	Log zerolog.Logger
}

// Run acquires the image and performs the optional upload and cleanup.
func (s *Snapshot) Run(ctx context.Context) error {
	if err := s.Create(ctx); err != nil {
		return err
	}
	return s.uploadResult(ctx)
}

// Create acquires physical memory into the destination file. On failure
// a partial image is left in place for post-mortem, unless it is empty.
func (s *Snapshot) Create(ctx context.Context) error {
	if len(s.Ranges) == 0 {
		return iomem.ErrNoRAM
	}

	dst, err := os.OpenFile(s.Destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "unable to create %s", s.Destination)
	}

	err = s.acquire(ctx, dst)
	if closeErr := dst.Close(); err == nil {
		err = errors.Wrapf(closeErr, "unable to finish %s", s.Destination)
	}
	if err != nil {
		s.removeIfEmpty()
		return err
	}

	s.Log.Info().Str("destination", s.Destination).Msg("memory snapshot complete")
	return nil
}

func (s *Snapshot) acquire(ctx context.Context, dst *os.File) error {
	// The cap is an estimate computed up front; it must fail before any
	// source is opened.
	if err := checkDiskUsage(s.Destination, s.Ranges, s.MaxDiskUsageMB, s.MaxDiskUsagePct); err != nil {
		return err
	}

	src, err := s.selectSource()
	if err != nil {
		return err
	}
	defer src.Close()

	w := lime.NewWriter(dst, s.Format)
	for _, r := range s.Ranges {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.Log.Debug().
			Str("source", src.Name()).
			Uint64("start", r.Start).
			Uint64("end", r.End).
			Msg("acquiring range")

		h := lime.Header{Start: r.Start, End: r.End}
		if err := w.WriteRange(h, memsource.NewRangeReader(src, r.Start, r.End)); err != nil {
			return errors.Wrapf(err, "unable to acquire range %#x-%#x", r.Start, r.End)
		}
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "unable to flush image")
	}
	return dst.Sync()
}

// selectSource opens the forced source, or probes the candidates in
// order, logging each attempt.
func (s *Snapshot) selectSource() (memsource.Source, error) {
	if s.Source != "" {
		src, err := memsource.Open(s.Source, s.Ranges)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to open source %s", s.Source)
		}
		s.Log.Info().Str("source", src.Name()).Msg("using memory source")
		return src, nil
	}

	src, err := memsource.Probe(s.Ranges, func(name string, err error) {
		if err != nil {
			s.Log.Info().Str("source", name).Err(err).Msg("source failed")
			return
		}
		s.Log.Info().Str("source", name).Msg("source selected")
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// uploadResult delivers the finished image to the configured target, if
// any, and honors delete-on-success.
func (s *Snapshot) uploadResult(ctx context.Context) error {
	switch {
	case s.SASURL != "":
		uploader, err := upload.NewBlobUploader(s.SASURL, upload.BlobOptions{
			BlockSizeMiB: s.BlockSizeMiB,
			Concurrency:  s.Concurrency,
		})
		if err != nil {
			return errors.Wrap(ErrInvalidArgument, err.Error())
		}
		if err := uploader.UploadFile(ctx, s.Destination); err != nil {
			return err
		}
	case s.URL != "":
		if err := upload.Put(ctx, s.Destination, s.URL); err != nil {
			return err
		}
	default:
		return nil
	}

	s.Log.Info().Msg("upload complete")

	if s.Delete {
		if err := os.Remove(s.Destination); err != nil {
			return errors.Wrapf(err, "unable to delete %s", s.Destination)
		}
		s.Log.Info().Str("destination", s.Destination).Msg("local image deleted")
	}
	return nil
}

// removeIfEmpty unlinks the destination if nothing was written to it.
func (s *Snapshot) removeIfEmpty() {
	if fi, err := os.Stat(s.Destination); err == nil && fi.Size() == 0 {
		os.Remove(s.Destination)
	}
}
