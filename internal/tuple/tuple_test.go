package tuple

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPack_RoundTrip(t *testing.T) {
	packed, err := Pack("user-7", int64(42), true, []byte{0xDE, 0xAD})
	require.NoError(t, err)

	elements, err := Unpack(packed)
	require.NoError(t, err)
	require.Len(t, elements, 4)
	assert.Equal(t, "user-7", elements[0])
	assert.Equal(t, int64(42), elements[1])
	assert.Equal(t, true, elements[2])
	assert.Equal(t, []byte{0xDE, 0xAD}, elements[3])
}

func TestPack_Canonical_NFCNormalization(t *testing.T) {
	// "é" composed vs "e" + combining acute - logically equal keys must
	// pack to identical bytes.
	composed := MustPack("café")
	decomposed := MustPack("café")
	assert.Equal(t, composed, decomposed)
}

func TestPack_OrderPreserving_Strings(t *testing.T) {
	a := MustPack("alpha")
	b := MustPack("beta")
	assert.Negative(t, bytes.Compare(a, b))

	// Prefix sorts before its extension.
	short := MustPack("ab")
	long := MustPack("abc")
	assert.Negative(t, bytes.Compare(short, long))
}

func TestPack_OrderPreserving_Ints(t *testing.T) {
	tests := []struct{ lo, hi int64 }{
		{-10, -1},
		{-1, 0},
		{0, 1},
		{1, 1 << 40},
	}
	for _, tt := range tests {
		lo := MustPack(tt.lo)
		hi := MustPack(tt.hi)
		assert.Negative(t, bytes.Compare(lo, hi), "%d should pack below %d", tt.lo, tt.hi)
	}
}

func TestPack_Floats(t *testing.T) {
	packed, err := Pack(3.25, -2.5, 0.0)
	require.NoError(t, err)

	elements, err := Unpack(packed)
	require.NoError(t, err)
	require.Len(t, elements, 3)
	assert.Equal(t, 3.25, elements[0])
	assert.Equal(t, -2.5, elements[1])
	assert.Equal(t, 0.0, elements[2])

	// Byte-wise ordering agrees with numeric ordering, sign included.
	lo := MustPack(-10.5)
	mid := MustPack(-0.25)
	hi := MustPack(7.75)
	assert.Negative(t, bytes.Compare(lo, mid))
	assert.Negative(t, bytes.Compare(mid, hi))
}

func TestPack_EmbeddedZeroBytes(t *testing.T) {
	packed, err := Pack([]byte{0x00, 0x01, 0x00})
	require.NoError(t, err)

	elements, err := Unpack(packed)
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, []byte{0x00, 0x01, 0x00}, elements[0])
}

func TestPack_UnsupportedType(t *testing.T) {
	_, err := Pack(map[string]int{"a": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported element type")
}

func TestUnpack_Truncated(t *testing.T) {
	_, err := Unpack([]byte{tagInt, 0x01, 0x02})
	require.Error(t, err)

	_, err = Unpack([]byte{tagString, 'a', 'b'})
	require.Error(t, err)
}
