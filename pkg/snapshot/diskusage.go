package snapshot

import (
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/willibrandon/LimeGo/pkg/iomem"
)

// ErrDiskCapExceeded indicates the estimated image size exceeds the
// configured disk usage cap. The check runs once, before the memory
// source is opened; no partial acquisition is attempted.
var ErrDiskCapExceeded = errors.New("estimated disk usage exceeds the configured cap")

// rangeOverhead pads the estimate by a fixed amount per range. It covers
// the LiME header, and for compressed output the 4 bytes of framing per
// page only for ranges of up to about 25,600 pages; it does not grow
// with the range size.
const rangeOverhead = 100 * 1024

// estimate computes the expected image size. It is an upper bound for
// raw output. Compressed output is usually far smaller, but a large
// range of incompressible pages can exceed it by the per-page framing.
func estimate(ranges []iomem.Range) uint64 {
	var total uint64
	for _, r := range ranges {
		total += r.Size() + rangeOverhead
	}
	return total
}

type diskUsage struct {
	total uint64
	used  uint64
}

// statDisk reports usage of the filesystem holding path. Package-level
// so tests can substitute fixed numbers.
var statDisk = func(path string) (diskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(path), &st); err != nil {
		return diskUsage{}, errors.Wrapf(err, "unable to statfs %s", path)
	}

	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bavail * bsize
	return diskUsage{total: total, used: total - free}, nil
}

// checkDiskUsage validates the estimate against the configured caps.
func checkDiskUsage(path string, ranges []iomem.Range, maxMB uint64, maxPct float64) error {
	if maxMB == 0 && maxPct == 0 {
		return nil
	}

	estimated := estimate(ranges)

	if maxMB > 0 {
		allowed := maxMB * 1024 * 1024
		if estimated > allowed {
			return errors.Wrapf(ErrDiskCapExceeded,
				"estimated %d bytes, allowed %d bytes", estimated, allowed)
		}
	}

	if maxPct > 0 {
		du, err := statDisk(path)
		if err != nil {
			return err
		}
		allowed := uint64(float64(du.total) * maxPct / 100)
		if du.used+estimated > allowed {
			return errors.Wrapf(ErrDiskCapExceeded,
				"estimated %d bytes, %d of %d bytes allowed already used",
				estimated, du.used, allowed)
		}
	}

	return nil
}
