package decimal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []string{"0", "1", "-1", "123.456789012345678", "0.000000000000000001"}
	for _, s := range cases {
		d, err := FromString(s)
		require.NoError(t, err)
		d2, err := FromString(d.String())
		require.NoError(t, err)
		require.True(t, d.Equal(d2), "round trip mismatch for %q", s)
	}
}

func TestArithmetic(t *testing.T) {
	t.Parallel()

	a := MustFromString("10.5")
	b := MustFromString("3")

	require.True(t, a.Add(b).Equal(MustFromString("13.5")))
	require.True(t, a.Sub(b).Equal(MustFromString("7.5")))
	require.True(t, a.Mul(b).Equal(MustFromString("31.5")))

	q, err := a.Div(b)
	require.NoError(t, err)
	require.True(t, q.GreaterThan(MustFromString("3.4")))
}

func TestDivisionByZero(t *testing.T) {
	t.Parallel()

	_, err := MustFromString("1").Div(Zero)
	require.ErrorIs(t, err, ErrDivisionByZero)
}

func TestComparisons(t *testing.T) {
	t.Parallel()

	a := MustFromString("1")
	b := MustFromString("2")

	require.True(t, a.LessThan(b))
	require.True(t, b.GreaterThan(a))
	require.False(t, a.Equal(b))
	require.True(t, a.LessThanOrEqual(a))
}

func TestMinMax(t *testing.T) {
	t.Parallel()

	a := MustFromString("1")
	b := MustFromString("2")
	require.True(t, Min(a, b).Equal(a))
	require.True(t, Max(a, b).Equal(b))
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	d := MustFromString("42.5")
	data, err := d.MarshalJSON()
	require.NoError(t, err)

	var out Decimal
	require.NoError(t, out.UnmarshalJSON(data))
	require.True(t, d.Equal(out))
}

func TestBigIntMantissaRoundTrip(t *testing.T) {
	t.Parallel()

	d := MustFromString("12345.6789")
	mantissa, scale := d.BigIntMantissa()
	out, err := FromBigIntMantissa(mantissa, scale)
	require.NoError(t, err)
	require.True(t, d.Equal(out))
}

func TestNegativeMantissaRoundTrip(t *testing.T) {
	t.Parallel()

	d := MustFromString("-0.000001")
	mantissa, scale := d.BigIntMantissa()
	out, err := FromBigIntMantissa(mantissa, scale)
	require.NoError(t, err)
	require.True(t, d.Equal(out))
}
