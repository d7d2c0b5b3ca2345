package snapshot

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/LimeGo/pkg/iomem"
	"github.com/willibrandon/LimeGo/pkg/lime"
	"github.com/willibrandon/LimeGo/pkg/memsource"
	"github.com/willibrandon/LimeGo/pkg/upload"
)

// writeMemory creates a file standing in for a raw physical memory
// device covering the given size.
func writeMemory(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 253)
	}
	path := filepath.Join(t.TempDir(), "mem")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

func TestEstimate(t *testing.T) {
	ranges := []iomem.Range{
		{Start: 0, End: 100},
		{Start: 100, End: 200},
		{Start: 200, End: 300},
	}
	assert.Equal(t, uint64(300+3*rangeOverhead), estimate(ranges))
	assert.Equal(t, uint64(0), estimate(nil))
}

func TestCheckDiskUsageAbsolute(t *testing.T) {
	small := []iomem.Range{{Start: 0, End: 0x1000}}
	require.NoError(t, checkDiskUsage("/tmp/x", small, 10, 0))

	big := []iomem.Range{{Start: 0, End: 11 * 1024 * 1024}}
	err := checkDiskUsage("/tmp/x", big, 10, 0)
	assert.ErrorIs(t, err, ErrDiskCapExceeded)

	// no caps configured means no check at all
	require.NoError(t, checkDiskUsage("/tmp/x", big, 0, 0))
}

func TestCheckDiskUsagePercentage(t *testing.T) {
	restore := statDisk
	defer func() { statDisk = restore }()

	statDisk = func(string) (diskUsage, error) {
		return diskUsage{total: 1000 * 1024 * 1024, used: 0}, nil
	}
	small := []iomem.Range{{Start: 0, End: 0x1000}}
	require.NoError(t, checkDiskUsage("/tmp/x", small, 0, 10))

	// the disk is already past the allowance; even a tiny image fails
	statDisk = func(string) (diskUsage, error) {
		return diskUsage{total: 1000 * 1024 * 1024, used: 910 * 1024 * 1024}, nil
	}
	err := checkDiskUsage("/tmp/x", small, 0, 10)
	assert.ErrorIs(t, err, ErrDiskCapExceeded)
}

func TestCreateRawImage(t *testing.T) {
	mem, data := writeMemory(t, 3*memsource.PageSize)
	dest := filepath.Join(t.TempDir(), "out.lime")

	ranges := []iomem.Range{
		{Start: 0, End: 0x1000},
		{Start: 0x2000, End: 0x3000},
	}
	s := &Snapshot{
		Destination: dest,
		Ranges:      ranges,
		Source:      mem,
		Format:      lime.FormatRaw,
		Log:         zerolog.Nop(),
	}
	require.NoError(t, s.Create(context.Background()))

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()

	r := lime.NewReader(f, lime.FormatAuto)

	h, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, lime.Header{Start: 0, End: 0x1000}, h)
	payload, err := io.ReadAll(r.Payload())
	require.NoError(t, err)
	assert.Equal(t, data[:0x1000], payload)

	h, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, lime.Header{Start: 0x2000, End: 0x3000}, h)
	payload, err = io.ReadAll(r.Payload())
	require.NoError(t, err)
	assert.Equal(t, data[0x2000:0x3000], payload)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCreateCompressedImage(t *testing.T) {
	mem, data := writeMemory(t, 2*memsource.PageSize)
	dest := filepath.Join(t.TempDir(), "out.lime")

	s := &Snapshot{
		Destination: dest,
		Ranges:      []iomem.Range{{Start: 0, End: 0x2000}},
		Source:      mem,
		Format:      lime.FormatCompressed,
		Log:         zerolog.Nop(),
	}
	require.NoError(t, s.Create(context.Background()))

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()

	r := lime.NewReader(f, lime.FormatAuto)
	_, err = r.Next()
	require.NoError(t, err)
	payload, err := io.ReadAll(r.Payload())
	require.NoError(t, err)
	assert.Equal(t, data, payload)
}

func TestCreateDiskCapExceeded(t *testing.T) {
	mem, _ := writeMemory(t, memsource.PageSize)
	dest := filepath.Join(t.TempDir(), "out.lime")

	s := &Snapshot{
		Destination:    dest,
		Ranges:         []iomem.Range{{Start: 0, End: 64 * 1024 * 1024}},
		Source:         mem,
		Format:         lime.FormatRaw,
		MaxDiskUsageMB: 1,
		Log:            zerolog.Nop(),
	}
	err := s.Create(context.Background())
	assert.ErrorIs(t, err, ErrDiskCapExceeded)
	assert.Equal(t, ExitDiskCapExceeded, ExitCode(err))

	// nothing was written, so the empty file must be gone
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCreateEmptyMemoryMap(t *testing.T) {
	s := &Snapshot{
		Destination: filepath.Join(t.TempDir(), "out.lime"),
		Log:         zerolog.Nop(),
	}
	err := s.Create(context.Background())
	assert.ErrorIs(t, err, iomem.ErrNoRAM)
}

func TestRunUploadAndDelete(t *testing.T) {
	mem, _ := writeMemory(t, memsource.PageSize)
	dest := filepath.Join(t.TempDir(), "out.lime")

	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploaded, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	s := &Snapshot{
		Destination: dest,
		Ranges:      []iomem.Range{{Start: 0, End: 0x1000}},
		Source:      mem,
		Format:      lime.FormatRaw,
		URL:         srv.URL,
		Delete:      true,
		Log:         zerolog.Nop(),
	}
	require.NoError(t, s.Run(context.Background()))

	assert.Len(t, uploaded, lime.HeaderSize+0x1000)

	// delete-on-success removed the local image
	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestRunUploadFailureKeepsFile(t *testing.T) {
	mem, _ := writeMemory(t, memsource.PageSize)
	dest := filepath.Join(t.TempDir(), "out.lime")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := &Snapshot{
		Destination: dest,
		Ranges:      []iomem.Range{{Start: 0, End: 0x1000}},
		Source:      mem,
		Format:      lime.FormatRaw,
		URL:         srv.URL,
		Delete:      true,
		Log:         zerolog.Nop(),
	}
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, upload.ErrUploadFailed)
	assert.Equal(t, ExitUploadFailed, ExitCode(err))

	// the image survives a failed upload even with --delete
	fi, statErr := os.Stat(dest)
	require.NoError(t, statErr)
	assert.Greater(t, fi.Size(), int64(0))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitLockdown, ExitCode(memsource.ErrLockdown))
	assert.Equal(t, ExitUploadFailed, ExitCode(upload.ErrUploadFailed))
	assert.Equal(t, ExitDiskCapExceeded, ExitCode(ErrDiskCapExceeded))
	assert.Equal(t, ExitFailure, ExitCode(iomem.ErrNoRAM))
	assert.Equal(t, ExitFailure, ExitCode(ErrInvalidArgument))
}
