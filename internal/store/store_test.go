package store

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimit(t *testing.T) {
	cases := map[int]int{
		-1:            DefaultListLimit,
		0:             DefaultListLimit,
		1:             1,
		250:           250,
		MaxListLimit:  MaxListLimit,
		1_000_000_000: MaxListLimit,
	}
	for in, want := range cases {
		assert.Equal(t, want, Limit(in), "Limit(%d)", in)
	}
}

func TestDecimalRoundTrip(t *testing.T) {
	s := FormatDecimal(decimal.RequireFromString("2.5"))
	assert.Equal(t, "2.500000000", s)

	d, err := ParseDecimal(s)
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("2.5")))

	assert.Nil(t, FormatDecimalPtr(nil))
}
