package lime

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Convert re-encodes a LiME image into the requested payload format.
// Pass FormatAuto as the input format to detect it from the image.
// Re-encoding is deterministic: converting an image to another format
// and back reproduces the original bytes.
func Convert(srcPath, dstPath string, in, out Format) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "unable to open source image %s", srcPath)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "unable to create destination image %s", dstPath)
	}
	defer dst.Close()

	if err := convert(src, dst, in, out); err != nil {
		return err
	}
	return errors.Wrap(dst.Close(), "unable to finish destination image")
}

func convert(src io.ReadSeeker, dst io.Writer, in, out Format) error {
	reader := NewReader(src, in)
	writer := NewWriter(dst, out)

	for {
		h, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := writer.WriteRange(h, reader.Payload()); err != nil {
			return err
		}
	}
	return writer.Flush()
}
