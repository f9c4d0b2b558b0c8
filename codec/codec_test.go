package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crdtkit/common"
)

type sample struct {
	Name  string
	Count int
}

func TestGet(t *testing.T) {
	c, err := Get("")
	require.NoError(t, err)
	assert.Equal(t, FormatGob, c.Format())

	c, err = Get(FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, c.Format())

	_, err = Get("xml")
	var invalid common.ErrInvalidEncoding
	assert.ErrorAs(t, err, &invalid)
}

func TestCodecs(t *testing.T) {
	for _, c := range []Codec{GobCodec{}, JSONCodec{}} {
		t.Run(string(c.Format()), func(t *testing.T) {
			data, err := c.Encode(sample{Name: "a", Count: 3})
			require.NoError(t, err)

			var out sample
			require.NoError(t, c.Decode(data, &out))
			assert.Equal(t, sample{Name: "a", Count: 3}, out)

			err = c.Decode([]byte{0xff, 0xff, 0xff}, &out)
			assert.True(t, common.IsSerialization(err))
		})
	}
}
