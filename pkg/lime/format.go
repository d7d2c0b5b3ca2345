// Package lime implements the LiME memory image format: a sequence of
// fixed-layout range headers, each followed by the payload bytes of one
// physical address range. Payloads are stored either verbatim or as
// length-prefixed snappy-compressed pages.
package lime

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// Magic is the LiME file magic, "EMiL" when written little-endian.
	Magic uint32 = 0x4c694d45

	// Version is the only header version this package produces or accepts.
	Version uint32 = 1

	// HeaderSize is the fixed on-disk size of a range header.
	HeaderSize = 32

	// PageSize is the plaintext unit of the compressed payload encoding.
	PageSize = 0x1000
)

// ErrUnsupportedFormat indicates an input whose magic or version is not
// recognized as a LiME image.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Format selects the payload encoding of an image.
type Format int

const (
	// FormatAuto asks the reader to detect the payload encoding.
	FormatAuto Format = iota
	// FormatRaw stores each range payload verbatim.
	FormatRaw
	// FormatCompressed stores each range payload as a sequence of
	// length-prefixed snappy-compressed pages.
	FormatCompressed
)

// String returns the CLI spelling of the format.
func (f Format) String() string {
	switch f {
	case FormatAuto:
		return "auto"
	case FormatRaw:
		return "lime"
	case FormatCompressed:
		return "lime_compressed"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat converts a CLI spelling into a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "auto":
		return FormatAuto, nil
	case "lime":
		return FormatRaw, nil
	case "lime_compressed":
		return FormatCompressed, nil
	default:
		return FormatAuto, fmt.Errorf("unknown format: %q", s)
	}
}
