package codec

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntRoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 42, 255, 256, -256, 1 << 24, math.MaxInt32, math.MinInt32}
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		values = append(values, int32(r.Uint32()))
	}
	for _, v := range values {
		data := SerializeInt(&v)
		require.Len(t, data, 4)
		decoded, err := DeserializeInt(data)
		require.NoError(t, err)
		require.NotNil(t, decoded)
		assert.Equal(t, v, *decoded)
	}
}

func TestSerializeIntIsBigEndian(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 42}, SerializeInt(Int(42)))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, SerializeInt(Int(-1)))
	assert.Equal(t, []byte{0x80, 0, 0, 0}, SerializeInt(Int(math.MinInt32)))
}

func TestNilPassesThrough(t *testing.T) {
	assert.Nil(t, SerializeInt(nil))
	v, err := DeserializeInt(nil)
	assert.NoError(t, err)
	assert.Nil(t, v)

	assert.Nil(t, SerializeString(nil))
	assert.Nil(t, DeserializeString(nil))
}

func TestDeserializeIntRejectsWrongLength(t *testing.T) {
	for _, size := range []int{0, 1, 3, 5, 8} {
		v, err := DeserializeInt(make([]byte, size))
		assert.Nil(t, v, "size %d", size)
		var serr *SerializationError
		require.True(t, errors.As(err, &serr), "size %d", size)
		assert.Contains(t, serr.Error(), "is not 4")
	}
}

func TestStringRoundTrip(t *testing.T) {
	s := "hello"
	out := DeserializeString(SerializeString(&s))
	require.NotNil(t, out)
	assert.Equal(t, s, *out)
}
