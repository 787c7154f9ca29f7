package common

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat40Conversion(t *testing.T) {
	testVector := map[Float40]string{
		6*0x800000000 + 123:    "123000000",
		2*0x800000000 + 4545:   "454500",
		30*0x800000000 + 10235: "10235000000000000000000000000000000",
		0x000000000:            "0",
		0x800000000:            "0",
		0x0001:                 "1",
		0x0401:                 "1025",
		0x800000000 + 1:        "10",
		0xFFFFFFFFFF:           "343597383670000000000000000000000000000000",
	}
	for f, v := range testVector {
		bi, err := f.BigInt()
		require.NoError(t, err)
		assert.Equal(t, v, bi.String())
	}
}

func TestFloat40Roundtrip(t *testing.T) {
	for _, s := range []string{"0", "1", "10", "1000", "34359738367", "123000000",
		"10235000000000000000000000000000000"} {
		v, ok := new(big.Int).SetString(s, 10)
		require.True(t, ok)
		f, err := NewFloat40(v)
		require.NoError(t, err)
		b, err := f.Bytes()
		require.NoError(t, err)
		assert.Len(t, b, Float40BytesLength)
		back, err := Float40FromBytes(b).BigInt()
		require.NoError(t, err)
		assert.Equal(t, v, back)
	}
}

func TestFloat40NotPackable(t *testing.T) {
	// 2**35 needs a mantissa of 36 bits and is not divisible by 10
	v := new(big.Int).Lsh(big.NewInt(1), 35)
	_, err := NewFloat40(v)
	assert.Equal(t, ErrFloatNotEnoughPrecision, Unwrap(err))
	assert.False(t, IsPackableAmount(v))

	// 10**32 has a too big exponent
	v = new(big.Int).Exp(big.NewInt(10), big.NewInt(40), nil)
	v.Mul(v, big.NewInt(1<<35-1))
	_, err = NewFloat40(v)
	assert.Equal(t, ErrFloatExpOverflow, Unwrap(err))

	assert.False(t, IsPackableAmount(big.NewInt(-1)))
}

func TestFloat16(t *testing.T) {
	for _, s := range []string{"0", "1", "2047", "20470", "1000000000000000000"} {
		v, _ := new(big.Int).SetString(s, 10)
		f, err := NewFloat16(v)
		require.NoError(t, err)
		b, err := f.Bytes()
		require.NoError(t, err)
		assert.Len(t, b, Float16BytesLength)
		back, err := Float16FromBytes(b).BigInt()
		require.NoError(t, err)
		assert.Equal(t, v, back)
	}
	assert.False(t, IsPackableFee(big.NewInt(2049)))
	assert.True(t, IsPackableFee(big.NewInt(204700)))
}
