// Package memsource provides read access to physical memory through the
// kernel-exposed interfaces /dev/crash, /proc/kcore, and /dev/mem, behind
// a single positional-read interface.
package memsource

import (
	"io"

	"github.com/pkg/errors"
)

// PageSize is the read granularity of page-aligned devices and the unit
// used when clamping and zero-filling range boundaries.
const PageSize = 0x1000

// Well-known source device paths, in probe order.
const (
	DevCrash  = "/dev/crash"
	ProcKcore = "/proc/kcore"
	DevMem    = "/dev/mem"
)

var (
	// ErrNoSource indicates every candidate source failed to open or to
	// produce readable data.
	ErrNoSource = errors.New("no usable memory source")

	// ErrLockdown indicates the kernel denied physical memory access
	// consistently across all sources.
	ErrLockdown = errors.New("physical memory access is locked down by the kernel")
)

// Source reads physical memory at absolute addresses. Reads are
// positional and carry no stream state, so a Source can be probed and
// then reused for acquisition without rewinding.
//
// ReadAt may return fewer bytes than requested at device or segment
// boundaries; a read of an address the source cannot map returns 0 bytes
// with no error, and the caller treats the page as a hole.
type Source interface {
	io.Closer

	// ReadAt copies up to len(p) bytes of physical memory starting at
	// addr into p.
	ReadAt(p []byte, addr uint64) (int, error)

	// Name returns the backing device path.
	Name() string

	// AlignedOnly reports whether reads must be page-aligned and at most
	// one page long.
	AlignedOnly() bool
}

// NewRangeReader adapts a Source into a sequential io.Reader over the
// physical range [start, end), yielding exactly end-start bytes.
//
// Holes and short reads are zero-filled here, so the image writer always
// receives the declared range length. For page-aligned devices the
// readable region is clamped down to a page boundary and the remaining
// tail is emitted as zeros.
func NewRangeReader(src Source, start, end uint64) io.Reader {
	readable := end
	if src.AlignedOnly() {
		readable = end &^ (PageSize - 1)
		if readable < start {
			readable = start
		}
	}
	return &rangeReader{src: src, addr: start, end: end, readable: readable}
}

type rangeReader struct {
	src      Source
	addr     uint64
	end      uint64
	readable uint64
	pending  []byte
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}
	if r.addr >= r.end {
		return 0, io.EOF
	}

	// Serve at most one page per call and never cross a page boundary,
	// keeping aligned devices within their read constraints.
	limit := r.end - r.addr
	if boundary := (r.addr &^ (PageSize - 1)) + PageSize - r.addr; boundary < limit {
		limit = boundary
	}
	if l := uint64(len(p)); l < limit {
		if r.src.AlignedOnly() && l > 0 {
			// Read the whole page so the next device read stays aligned.
			buf := make([]byte, limit)
			n, err := r.Read(buf)
			if err != nil {
				return 0, err
			}
			r.pending = buf[:n]
			return r.Read(p)
		}
		limit = l
	}
	if limit == 0 {
		return 0, nil
	}

	n := 0
	if r.addr < r.readable {
		want := limit
		if max := r.readable - r.addr; max < want {
			want = max
		}
		read, err := r.src.ReadAt(p[:want], r.addr)
		if err != nil {
			return 0, errors.Wrapf(err, "unable to read %d bytes at %#x", want, r.addr)
		}
		n = read
	}

	// Zero-fill holes, short reads, and the clamped tail.
	for i := n; i < int(limit); i++ {
		p[i] = 0
	}
	r.addr += limit
	return int(limit), nil
}
