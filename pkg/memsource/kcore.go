package memsource

import (
	"debug/elf"
	"io"
	"os"
	"sort"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/willibrandon/LimeGo/pkg/iomem"
)

// A /proc/kcore smaller than this cannot hold the ELF header plus any
// usable segment; LOCKDOWN_KCORE leaves exactly such a stub behind.
const kcoreMinSize = 0x2000

// segmentCacheSize bounds the page-to-segment memoization. Acquisition
// reads sequentially, so a handful of entries covers the hot path.
const segmentCacheSize = 128

// segment maps a physical address range onto a kcore file offset.
type segment struct {
	start  uint64
	end    uint64
	offset uint64
}

// kcoreSource projects physical addresses through the ELF program
// headers of /proc/kcore. The virtual-to-physical delta is derived from
// the first PT_LOAD segment and the first RAM range, the same anchoring
// the kernel uses when laying out the direct map.
type kcoreSource struct {
	f        *os.File
	name     string
	segments []segment
	cache    *lru.Cache
}

func openKcore(path string, mmap []iomem.Range) (Source, error) {
	if len(mmap) == 0 {
		return nil, errors.New("no memory ranges to anchor the kcore mapping")
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to stat %s", path)
	}
	if fi.Size() < kcoreMinSize {
		return nil, errors.Wrapf(ErrLockdown, "%s is only %d bytes", path, fi.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}

	segments, err := loadSegments(f, mmap[0].Start)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "unable to parse %s", path)
	}

	cache, err := lru.New(segmentCacheSize)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &kcoreSource{f: f, name: path, segments: segments, cache: cache}, nil
}

// loadSegments parses the PT_LOAD program headers once and builds the
// sorted physical-address projection table.
func loadSegments(f *os.File, firstRAMStart uint64) ([]segment, error) {
	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, err
	}

	var progs []*elf.Prog
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD {
			progs = append(progs, p)
		}
	}
	if len(progs) == 0 {
		return nil, errors.New("no loadable segments")
	}
	sort.Slice(progs, func(i, j int) bool { return progs[i].Vaddr < progs[j].Vaddr })

	delta := progs[0].Vaddr - firstRAMStart

	segments := make([]segment, 0, len(progs))
	for _, p := range progs {
		if p.Vaddr < delta {
			return nil, errors.Errorf("segment at %#x precedes the direct map", p.Vaddr)
		}
		start := p.Vaddr - delta
		end := start + p.Memsz
		if end < start {
			return nil, errors.Errorf("segment at %#x overflows", p.Vaddr)
		}
		segments = append(segments, segment{start: start, end: end, offset: p.Off})
	}
	return segments, nil
}

func (k *kcoreSource) ReadAt(p []byte, addr uint64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	seg, ok := k.find(addr)
	if !ok {
		// address not covered by any segment: a hole, not an error
		return 0, nil
	}

	want := uint64(len(p))
	if max := seg.end - addr; max < want {
		want = max
	}

	n, err := k.f.ReadAt(p[:want], int64(seg.offset+(addr-seg.start)))
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

// find locates the segment covering addr, memoizing by page.
func (k *kcoreSource) find(addr uint64) (segment, bool) {
	page := addr &^ (PageSize - 1)
	if v, ok := k.cache.Get(page); ok {
		seg := k.segments[v.(int)]
		if addr >= seg.start && addr < seg.end {
			return seg, true
		}
	}

	i := sort.Search(len(k.segments), func(i int) bool {
		return k.segments[i].end > addr
	})
	if i >= len(k.segments) || addr < k.segments[i].start {
		return segment{}, false
	}
	k.cache.Add(page, i)
	return k.segments[i], true
}

func (k *kcoreSource) Name() string {
	return k.name
}

func (k *kcoreSource) AlignedOnly() bool {
	return false
}

func (k *kcoreSource) Close() error {
	return k.f.Close()
}
