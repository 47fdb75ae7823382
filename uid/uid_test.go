package uid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_uid_value(t *testing.T) {
	raw := []byte{0x01, 0xab, 0xff}
	u := New(raw)

	// 修改入参不影响已构造的 Uid
	raw[0] = 0x02
	assert.Equal(t, "01ABFF", u.String())
	assert.Equal(t, 3, u.Len())
	assert.False(t, u.IsZero())
	assert.True(t, Uid{}.IsZero())

	other := New([]byte{0x01, 0xab, 0xff})
	assert.True(t, u.Equal(other))
	assert.Equal(t, u, other)
	assert.Equal(t, u.Hash(), other.Hash())

	b := u.Bytes()
	b[0] = 0x09
	assert.Equal(t, "01ABFF", u.String())

	parsed, err := Parse(u.String())
	require.NoError(t, err)
	assert.Equal(t, u, parsed)

	_, err = Parse("zz")
	assert.Error(t, err)
}

func Test_uid_extract(t *testing.T) {
	short := New([]byte("tooshort"))
	assert.Nil(t, short.ExtractServerID())

	g := NewGenerator("srv")
	u := g.Generate()
	assert.Equal(t, []byte("srv"), u.ExtractServerID())
	assert.NotZero(t, u.ExtractTimestamp())
	assert.Equal(t, int32(1), u.ExtractSequence())
}
