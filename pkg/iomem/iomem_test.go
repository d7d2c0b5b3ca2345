package iomem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	ranges, err := Parse(filepath.Join("testdata", "iomem.txt"))
	require.NoError(t, err)

	// Inclusive kernel endpoints become half-open ranges. Nested entries
	// (Kernel code, System ROM) must not contribute.
	expected := []Range{
		{Start: 0x1000, End: 0x9fc00},
		{Start: 0x00100000, End: 0x0a6f3018},
		{Start: 0x0a6f8018, End: 0x0a6fa058},
		{Start: 0x100000000, End: 0x1a0000000},
	}
	assert.Equal(t, expected, ranges)

	// Spot-check the sizes the half-open conversion produces.
	assert.Equal(t, uint64(0x0a5f3018), ranges[1].Size())
	assert.Equal(t, uint64(0x2040), ranges[2].Size())
}

func TestParseRedacted(t *testing.T) {
	// Without CAP_SYS_ADMIN every range reads as 0-0.
	_, err := Parse(filepath.Join("testdata", "iomem-locked.txt"))
	assert.ErrorIs(t, err, ErrNoPermission)
}

func TestParseNoRAM(t *testing.T) {
	_, err := Parse(filepath.Join("testdata", "iomem-noram.txt"))
	assert.ErrorIs(t, err, ErrNoRAM)
}

func TestParseMalformed(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"missing label separator", "00001000-0009fbff System RAM\n"},
		{"bad hex", "0000100g-0009fbff : System RAM\n"},
		{"missing dash", "000010000009fbff : System RAM\n"},
		{"end before start", "0009fbff-00001000 : System RAM\n"},
		{"out of order", "00100000-001fffff : System RAM\n00001000-0009fbff : System RAM\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "iomem")
			require.NoError(t, os.WriteFile(path, []byte(tc.text), 0o644))
			_, err := Parse(path)
			assert.Error(t, err)
		})
	}
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestTotalSize(t *testing.T) {
	ranges := []Range{
		{Start: 0, End: 0x1000},
		{Start: 0x2000, End: 0x4000},
	}
	assert.Equal(t, uint64(0x3000), TotalSize(ranges))
	assert.Equal(t, uint64(0), TotalSize(nil))
}
