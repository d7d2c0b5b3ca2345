package memsource

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// devSource reads a character device (or raw file) whose offsets are
// physical addresses. /dev/crash additionally constrains reads to
// page-aligned, at most page-sized requests.
type devSource struct {
	f       *os.File
	name    string
	aligned bool
}

func openDevice(path string, aligned bool) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}
	return &devSource{f: f, name: path, aligned: aligned}, nil
}

func (d *devSource) ReadAt(p []byte, addr uint64) (int, error) {
	if d.aligned {
		if addr%PageSize != 0 {
			return 0, fmt.Errorf("%s requires page-aligned reads, got %#x", d.name, addr)
		}
		if len(p) > PageSize {
			return 0, fmt.Errorf("%s reads one page at a time, got %d bytes", d.name, len(p))
		}
	}

	n, err := d.f.ReadAt(p, int64(addr))
	if err == io.EOF {
		// device boundary; the caller zero-fills
		return n, nil
	}
	return n, err
}

func (d *devSource) Name() string {
	return d.name
}

func (d *devSource) AlignedOnly() bool {
	return d.aligned
}

func (d *devSource) Close() error {
	return d.f.Close()
}
