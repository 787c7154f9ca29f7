package common

import (
	"errors"
	"math/big"
)

// Amounts and fees are packed as m·10^e. Amounts use 35 bits of mantissa and 5
// bits of exponent (Float40), fees use 11 bits of mantissa and 5 bits of
// exponent (Float16). The exponent is stored in the most significant bits.

const (
	// Float40BytesLength defines the length of the Float40 values
	// represented as byte arrays
	Float40BytesLength = 5
	// Float16BytesLength defines the length of the Float16 values
	// represented as byte arrays
	Float16BytesLength = 2

	float40MantissaBits = 35
	float16MantissaBits = 11
	floatExpBits        = 5
	maxFloatExp         = 1<<floatExpBits - 1
)

var (
	// ErrFloatOverflow is used when a packed value does not fit in its
	// bit length
	ErrFloatOverflow = errors.New("packed float overflow")
	// ErrFloatExpOverflow is used when e > 31 when trying to pack a
	// *big.Int
	ErrFloatExpOverflow = errors.New("packed float error, e > 31")
	// ErrFloatNotEnoughPrecision is used when the given *big.Int can not
	// be packed without losing precision
	ErrFloatNotEnoughPrecision = errors.New("packed float error, not enough precision")

	ten = big.NewInt(10) //nolint:gomnd
)

type floatFormat struct {
	mantissaBits uint
	bytesLen     int
}

var (
	float40 = floatFormat{mantissaBits: float40MantissaBits, bytesLen: Float40BytesLength}
	float16 = floatFormat{mantissaBits: float16MantissaBits, bytesLen: Float16BytesLength}
)

func (ff floatFormat) threshold() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), ff.mantissaBits)
}

// pack encodes v as m·10^e with the smallest possible exponent that fits
func (ff floatFormat) pack(v *big.Int) (uint64, error) {
	if v == nil || v.Sign() < 0 {
		return 0, Wrap(ErrFloatNotEnoughPrecision)
	}
	thres := ff.threshold()
	m := new(big.Int).Set(v)
	e := uint64(0)
	rem := new(big.Int)
	for m.Cmp(thres) >= 0 {
		q, r := new(big.Int).QuoRem(m, ten, rem)
		if r.Sign() != 0 {
			return 0, Wrap(ErrFloatNotEnoughPrecision)
		}
		m = q
		e++
	}
	if e > maxFloatExp {
		return 0, Wrap(ErrFloatExpOverflow)
	}
	return e<<ff.mantissaBits | m.Uint64(), nil
}

func (ff floatFormat) unpack(f uint64) (*big.Int, error) {
	if f>>(ff.mantissaBits+floatExpBits) != 0 {
		return nil, Wrap(ErrFloatOverflow)
	}
	m := new(big.Int).SetUint64(f & (1<<ff.mantissaBits - 1))
	e := new(big.Int).SetUint64(f >> ff.mantissaBits)
	return m.Mul(m, new(big.Int).Exp(ten, e, nil)), nil
}

func (ff floatFormat) bytes(f uint64) ([]byte, error) {
	if f>>(ff.mantissaBits+floatExpBits) != 0 {
		return nil, Wrap(ErrFloatOverflow)
	}
	b := make([]byte, ff.bytesLen)
	for i := ff.bytesLen - 1; i >= 0; i-- {
		b[i] = byte(f)
		f >>= 8
	}
	return b, nil
}

func (ff floatFormat) fromBytes(b []byte) uint64 {
	var f uint64
	for _, c := range b[:ff.bytesLen] {
		f = f<<8 | uint64(c)
	}
	return f
}

// Float40 is a packed amount
type Float40 uint64

// NewFloat40 encodes a *big.Int integer as a Float40, returning error in case
// of loss during the encoding.
func NewFloat40(v *big.Int) (Float40, error) {
	f, err := float40.pack(v)
	return Float40(f), err
}

// BigInt converts the Float40 to a *big.Int
func (f40 Float40) BigInt() (*big.Int, error) {
	return float40.unpack(uint64(f40))
}

// Bytes return a byte array of length 5 with the Float40 value encoded in
// BigEndian
func (f40 Float40) Bytes() ([]byte, error) {
	return float40.bytes(uint64(f40))
}

// Float40FromBytes returns a Float40 from a byte array of 5 bytes
func Float40FromBytes(b []byte) Float40 {
	return Float40(float40.fromBytes(b))
}

// Float16 is a packed fee
type Float16 uint16

// NewFloat16 encodes a *big.Int integer as a Float16, returning error in case
// of loss during the encoding.
func NewFloat16(v *big.Int) (Float16, error) {
	f, err := float16.pack(v)
	return Float16(f), err
}

// BigInt converts the Float16 to a *big.Int
func (f16 Float16) BigInt() (*big.Int, error) {
	return float16.unpack(uint64(f16))
}

// Bytes return a byte array of length 2 with the Float16 value encoded in
// BigEndian
func (f16 Float16) Bytes() ([]byte, error) {
	return float16.bytes(uint64(f16))
}

// Float16FromBytes returns a Float16 from a byte array of 2 bytes
func Float16FromBytes(b []byte) Float16 {
	return Float16(float16.fromBytes(b))
}

// IsPackableAmount returns true if v can be packed as a Float40 without loss
func IsPackableAmount(v *big.Int) bool {
	_, err := NewFloat40(v)
	return err == nil
}

// IsPackableFee returns true if v can be packed as a Float16 without loss
func IsPackableFee(v *big.Int) bool {
	_, err := NewFloat16(v)
	return err == nil
}
