package resolver_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmsentry/wasmsentry/internal/ir"
	"github.com/wasmsentry/wasmsentry/internal/resolver"
)

type fakeImage struct {
	base ir.Addr
	data []byte
}

func (f fakeImage) ReadAt(addr ir.Addr, n int) ([]byte, error) {
	off := int(addr - f.base)
	return f.data[off : off+n], nil
}

func tableBytes(entries ...int32) []byte {
	buf := make([]byte, 4*len(entries))
	for i, e := range entries {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(e))
	}
	return buf
}

func TestExtractTargetsDecodesLittleEndianSignedDisplacements(t *testing.T) {
	base := ir.Addr(0x8000)
	img := fakeImage{base: base, data: tableBytes(0x10, 0x20, -0x8)}

	targets, err := resolver.ExtractTargets(img, base, 3)
	require.NoError(t, err)
	require.Len(t, targets, 3)
	assert.Equal(t, base+0x10, targets[0])
	assert.Equal(t, base+0x20, targets[1])
	assert.Equal(t, base-0x8, targets[2])
}

func TestExtractTargetsZeroBoundIsEmpty(t *testing.T) {
	base := ir.Addr(0x9000)
	img := fakeImage{base: base, data: nil}
	targets, err := resolver.ExtractTargets(img, base, 0)
	require.NoError(t, err)
	assert.Empty(t, targets)
}
