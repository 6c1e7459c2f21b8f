package rollptr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Ptr{
		{IsInsert: true, RsegID: 3, PageNo: 17, Offset: 256},
		{IsInsert: false, RsegID: 127, PageNo: 0xFFFFFFFF, Offset: 0xFFFF},
		{IsInsert: false, RsegID: 0, PageNo: 0, Offset: 0},
	}
	for _, c := range cases {
		got := Decode(Encode(c))
		require.Equal(t, c, got)
	}
}
