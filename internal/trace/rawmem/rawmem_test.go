package rawmem

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocRoundsToPage(t *testing.T) {
	page := os.Getpagesize()

	tests := []struct {
		name string
		size int
		want int
	}{
		{"one byte", 1, page},
		{"exact page", page, page},
		{"page plus one", page + 1, 2 * page},
		{"default buffer", 8192 * 24, (8192*24 + page - 1) / page * page},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Alloc(tt.size)
			require.NoError(t, err)
			defer r.Release()

			assert.Equal(t, tt.want, r.Len())
			assert.NotZero(t, r.Base())
			if r.Mapped() {
				assert.Zero(t, r.Base()%uintptr(page), "mapped base must be page aligned")
			}
		})
	}
}

func TestAllocInvalidSize(t *testing.T) {
	_, err := Alloc(0)
	assert.Error(t, err)

	_, err = Alloc(-8)
	assert.Error(t, err)
}

func TestRegionZeroedAndWritable(t *testing.T) {
	r, err := Alloc(4096)
	require.NoError(t, err)
	defer r.Release()

	mem := r.Bytes()
	for i, b := range mem {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, b)
		}
	}
	mem[0] = 0xAA
	mem[len(mem)-1] = 0x55
	assert.Equal(t, byte(0xAA), r.Bytes()[0])
	assert.Equal(t, byte(0x55), r.Bytes()[len(mem)-1])
}

func TestReleaseTwice(t *testing.T) {
	r, err := Alloc(16)
	require.NoError(t, err)

	require.NoError(t, r.Release())
	assert.Nil(t, r.Bytes())
	assert.Zero(t, r.Base())
	assert.ErrorIs(t, r.Release(), ErrReleased)
}
