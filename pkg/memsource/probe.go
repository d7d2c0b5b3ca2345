package memsource

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/willibrandon/LimeGo/pkg/iomem"
)

// probeOrder lists the candidate devices, most capable first.
var probeOrder = []string{DevCrash, ProcKcore, DevMem}

// Open opens a memory source by path. The three well-known device paths
// get their specific access semantics; any other path is treated as a
// raw physical memory file with byte-granular reads.
func Open(path string, mmap []iomem.Range) (Source, error) {
	switch path {
	case ProcKcore:
		return openKcore(path, mmap)
	case DevCrash:
		return openDevice(path, true)
	default:
		return openDevice(path, false)
	}
}

// Probe tries each candidate source in order and returns the first that
// opens and reads one page of the first RAM range without failing.
// Probing uses the same positional reads as acquisition, so the selected
// source is handed over as-is.
//
// If every candidate is denied access, the failure is ErrLockdown;
// otherwise ErrNoSource carrying the per-candidate failures.
func Probe(mmap []iomem.Range, tried func(name string, err error)) (Source, error) {
	if len(mmap) == 0 {
		return nil, errors.New("no memory ranges to probe")
	}

	var attempts []string
	denied := 0
	for _, name := range probeOrder {
		src, err := Open(name, mmap)
		if err == nil {
			err = verify(src, mmap[0])
			if err == nil {
				if tried != nil {
					tried(name, nil)
				}
				return src, nil
			}
			src.Close()
		}

		if tried != nil {
			tried(name, err)
		}
		if os.IsPermission(errors.Cause(err)) || errors.Is(err, ErrLockdown) {
			denied++
		}
		attempts = append(attempts, fmt.Sprintf("%s: %v", name, err))
	}

	if denied == len(probeOrder) {
		return nil, ErrLockdown
	}
	return nil, errors.Wrap(ErrNoSource, strings.Join(attempts, "; "))
}

// verify reads one page from the start of the first RAM range.
func verify(src Source, first iomem.Range) error {
	want := first.Size()
	if want > PageSize {
		want = PageSize
	}

	buf := make([]byte, want)
	n, err := src.ReadAt(buf, first.Start)
	if err != nil {
		return errors.Wrapf(err, "unable to read %#x", first.Start)
	}
	if n == 0 {
		return errors.Errorf("no data at %#x", first.Start)
	}
	return nil
}
