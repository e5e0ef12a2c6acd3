package payment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseUnits(t *testing.T) {
	v, err := ParseUnits("10", 6)
	require.NoError(t, err)
	require.Equal(t, "10000000", v.String())

	v, err = ParseUnits(" 0.5 ", 6)
	require.NoError(t, err)
	require.Equal(t, "500000", v.String())

	v, err = ParseUnits("1", 18)
	require.NoError(t, err)
	require.Equal(t, "1000000000000000000", v.String())

	require.Equal(t, "10", FormatUnits(tenUSDC, 6))

	for _, bad := range []string{"", "abc", "0", "-1", "0.0000001"} {
		_, err := ParseUnits(bad, 6)
		require.Error(t, err, bad)
	}
	_, err = ParseUnits("1", -1)
	require.Error(t, err)
}

func TestSameHexAddress(t *testing.T) {
	require.True(t, sameHexAddress("0xAbC", "0xabc"))
	require.True(t, sameHexAddress("abc", "0XABC"))
	require.False(t, sameHexAddress("0xabc", "0xabd"))
}
