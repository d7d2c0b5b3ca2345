package lime

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"
)

// Reader decodes a LiME image range by range. Typical use:
//
//	r := lime.NewReader(f, lime.FormatAuto)
//	for {
//		h, err := r.Next()
//		if err == io.EOF {
//			break
//		}
//		io.Copy(dst, r.Payload())
//	}
//
// With FormatAuto the payload encoding is detected on the first call to
// Next, which requires the underlying reader to support seeking.
type Reader struct {
	r          io.Reader
	br         *bufio.Reader
	format     Format
	remaining  uint64
	page       [PageSize]byte
	compressed []byte
	pending    []byte
}

// NewReader creates a Reader for the given payload format. Pass
// FormatAuto to detect the format from the image itself; detection needs
// r to implement io.Seeker.
func NewReader(r io.Reader, format Format) *Reader {
	return &Reader{r: r, format: format}
}

// Next consumes any unread payload of the current range and returns the
// header of the following one. io.EOF signals a well-formed end of image.
func (lr *Reader) Next() (Header, error) {
	if lr.br == nil {
		if lr.format == FormatAuto {
			rs, ok := lr.r.(io.ReadSeeker)
			if !ok {
				return Header{}, errors.New("format detection requires a seekable input")
			}
			format, err := DetectFormat(rs)
			if err != nil {
				return Header{}, err
			}
			lr.format = format
		}
		lr.br = bufio.NewReader(lr.r)
		if lr.format == FormatCompressed {
			lr.compressed = make([]byte, snappy.MaxEncodedLen(PageSize))
		}
	}

	if lr.remaining > 0 || len(lr.pending) > 0 {
		if _, err := io.Copy(io.Discard, lr.Payload()); err != nil {
			return Header{}, err
		}
	}

	h, err := readHeader(lr.br)
	if err != nil {
		return Header{}, err
	}
	lr.remaining = h.Size()
	return h, nil
}

// Payload returns a reader over the decoded payload of the current
// range. It stays valid until the next call to Next.
func (lr *Reader) Payload() io.Reader {
	return payloadReader{lr}
}

type payloadReader struct {
	lr *Reader
}

func (pr payloadReader) Read(p []byte) (int, error) {
	lr := pr.lr
	if len(lr.pending) == 0 {
		if lr.remaining == 0 {
			return 0, io.EOF
		}
		if err := lr.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, lr.pending)
	lr.pending = lr.pending[n:]
	return n, nil
}

// fill decodes the next plaintext page of the current range into the
// page buffer.
func (lr *Reader) fill() error {
	want := uint64(PageSize)
	if lr.remaining < want {
		want = lr.remaining
	}

	if lr.format == FormatRaw {
		if _, err := io.ReadFull(lr.br, lr.page[:want]); err != nil {
			return noEOF(errors.Wrap(err, "unable to read page"))
		}
		lr.pending = lr.page[:want]
		lr.remaining -= want
		return nil
	}

	var prefix [4]byte
	if _, err := io.ReadFull(lr.br, prefix[:]); err != nil {
		return noEOF(errors.Wrap(err, "unable to read record length"))
	}
	length := uint64(binary.LittleEndian.Uint32(prefix[:]))

	switch {
	case length == want:
		// Stored verbatim: the page did not shrink under snappy.
		if _, err := io.ReadFull(lr.br, lr.page[:want]); err != nil {
			return noEOF(errors.Wrap(err, "unable to read verbatim record"))
		}
		lr.pending = lr.page[:want]
	case length > 0 && length < want:
		if _, err := io.ReadFull(lr.br, lr.compressed[:length]); err != nil {
			return noEOF(errors.Wrap(err, "unable to read compressed record"))
		}
		plain, err := snappy.Decode(lr.page[:], lr.compressed[:length])
		if err != nil {
			return errors.Wrap(err, "unable to decompress record")
		}
		if uint64(len(plain)) != want {
			return fmt.Errorf("record decoded to %d bytes, want %d", len(plain), want)
		}
		lr.pending = lr.page[:want]
	default:
		return fmt.Errorf("invalid record length %d, want at most %d", length, want)
	}

	lr.remaining -= want
	return nil
}

// noEOF converts a mid-payload EOF into ErrUnexpectedEOF so truncation
// is never mistaken for a clean end of image.
func noEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// DetectFormat determines the payload encoding of an image by walking
// the first range as if it were compressed: the payload must chain into
// valid length-prefixed records whose decoded sizes add up to exactly
// the declared range size. Raw memory content fails that walk almost
// immediately. The stream position is restored before returning.
func DetectFormat(rs io.ReadSeeker) (Format, error) {
	pos, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return FormatAuto, errors.Wrap(err, "unable to determine stream position")
	}
	defer rs.Seek(pos, io.SeekStart)

	h, err := readHeader(rs)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return FormatAuto, ErrUnsupportedFormat
		}
		return FormatAuto, err
	}

	if compressedWalk(rs, h.Size()) {
		return FormatCompressed, nil
	}
	return FormatRaw, nil
}

// compressedWalk reports whether size bytes of payload parse as a chain
// of compressed records.
func compressedWalk(rs io.ReadSeeker, size uint64) bool {
	var varint [5]byte
	for remaining := size; remaining > 0; {
		want := uint64(PageSize)
		if remaining < want {
			want = remaining
		}

		var prefix [4]byte
		if _, err := io.ReadFull(rs, prefix[:]); err != nil {
			return false
		}
		length := uint64(binary.LittleEndian.Uint32(prefix[:]))

		switch {
		case length == want:
			// verbatim record, nothing to validate beyond its presence
		case length > 0 && length < want:
			// The snappy block header is a varint of the decoded length;
			// it must match the expected plaintext size.
			n := length
			if n > uint64(len(varint)) {
				n = uint64(len(varint))
			}
			if _, err := io.ReadFull(rs, varint[:n]); err != nil {
				return false
			}
			decoded, width := binary.Uvarint(varint[:n])
			if width <= 0 || decoded != want {
				return false
			}
			length -= n
		default:
			return false
		}

		if _, err := rs.Seek(int64(length), io.SeekCurrent); err != nil {
			return false
		}
		remaining -= want
	}

	// The walk must land exactly at the next header or the end of image.
	var b [1]byte
	if _, err := rs.Read(b[:]); err == nil {
		var probe [4]byte
		probe[0] = b[0]
		if _, err := io.ReadFull(rs, probe[1:]); err != nil {
			return false
		}
		return binary.LittleEndian.Uint32(probe[:]) == Magic
	}
	return true
}
