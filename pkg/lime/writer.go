package lime

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"
)

// Writer encodes a LiME image. Ranges must be written in ascending
// address order, matching the memory map they were derived from.
//
// The writer holds one page of plaintext and one snappy scratch buffer;
// its memory footprint does not grow with the image size.
type Writer struct {
	w          *bufio.Writer
	format     Format
	page       [PageSize]byte
	compressed []byte
}

// NewWriter creates a Writer emitting the given payload format.
func NewWriter(w io.Writer, format Format) *Writer {
	lw := &Writer{
		w:      bufio.NewWriter(w),
		format: format,
	}
	if format == FormatCompressed {
		lw.compressed = make([]byte, snappy.MaxEncodedLen(PageSize))
	}
	return lw
}

// WriteRange emits one range header followed by its encoded payload.
// src must yield exactly h.Size() bytes; sources with holes or short
// reads are expected to zero-fill before handing bytes to the writer.
func (lw *Writer) WriteRange(h Header, src io.Reader) error {
	if h.End <= h.Start {
		return fmt.Errorf("invalid range %#x-%#x", h.Start, h.End)
	}

	header := h.marshal()
	if _, err := lw.w.Write(header[:]); err != nil {
		return errors.Wrap(err, "unable to write range header")
	}

	remaining := h.Size()
	for remaining > 0 {
		want := uint64(PageSize)
		if remaining < want {
			want = remaining
		}
		if _, err := io.ReadFull(src, lw.page[:want]); err != nil {
			return errors.Wrapf(err, "unable to read %d bytes at %#x", want, h.End-remaining)
		}
		if err := lw.writePage(lw.page[:want]); err != nil {
			return err
		}
		remaining -= want
	}
	return nil
}

// writePage emits one plaintext page in the configured encoding.
func (lw *Writer) writePage(plain []byte) error {
	if lw.format == FormatRaw {
		_, err := lw.w.Write(plain)
		return errors.Wrap(err, "unable to write page")
	}

	// A record that snappy cannot shrink is stored verbatim, with its
	// length prefix set to the plaintext length. Compressed records are
	// therefore always strictly shorter than their plaintext.
	record := snappy.Encode(lw.compressed, plain)
	if len(record) >= len(plain) {
		record = plain
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(record)))
	if _, err := lw.w.Write(prefix[:]); err != nil {
		return errors.Wrap(err, "unable to write record length")
	}
	if _, err := lw.w.Write(record); err != nil {
		return errors.Wrap(err, "unable to write record")
	}
	return nil
}

// Flush writes any buffered output to the underlying writer.
func (lw *Writer) Flush() error {
	return lw.w.Flush()
}
