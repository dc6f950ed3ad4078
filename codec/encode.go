// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import "math"

// MaxRemainingLength is the largest value a 4-byte remaining length can carry.
const MaxRemainingLength = 268435455

// MaxRemainingLengthSize is the maximum number of bytes of an encoded remaining length.
const MaxRemainingLengthSize = 4

// EncodeRemainingLength encodes n with the MQTT base-128 continuation scheme.
// The low 7 bits go first and the high bit of every byte except the last is set.
func EncodeRemainingLength(n int) ([]byte, error) {
	var buf [MaxRemainingLengthSize]byte
	b, err := AppendRemainingLength(buf[:0], n)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// AppendRemainingLength appends the encoded remaining length to dst.
func AppendRemainingLength(dst []byte, n int) ([]byte, error) {
	if n < 0 || n > MaxRemainingLength {
		return dst, ErrMaxLengthExceeded
	}
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if n == 0 {
			return dst, nil
		}
	}
}

// RemainingLengthSize returns how many bytes EncodeRemainingLength(n) produces.
func RemainingLengthSize(n int) int {
	switch {
	case n < 128:
		return 1
	case n < 16384:
		return 2
	case n < 2097152:
		return 3
	default:
		return 4
	}
}

// InsertString writes s as an MQTT string field at dst[off:]:
// a 2-byte big-endian length followed by the raw bytes.
// It returns the number of bytes written, len(s)+2.
func InsertString(dst []byte, off int, s string) (int, error) {
	if len(s) > math.MaxUint16 {
		return 0, ErrStringTooLong
	}
	n := len(s) + 2
	if off < 0 || len(dst)-off < n {
		return 0, ErrBufferTooShort
	}
	dst[off] = byte(len(s) >> 8)
	dst[off+1] = byte(len(s))
	copy(dst[off+2:], s)
	return n, nil
}

// AppendString appends s as an MQTT string field.
// s must satisfy StringFits.
func AppendString(dst []byte, s string) []byte {
	dst = AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// EncodeString returns s as an MQTT string field.
func EncodeString(s string) []byte {
	return AppendString(make([]byte, 0, len(s)+2), s)
}

// StringFits reports whether s can be carried by a string field.
func StringFits(s string) bool {
	return len(s) <= math.MaxUint16
}

// AppendUint16 appends num in big-endian order.
func AppendUint16(dst []byte, num uint16) []byte {
	return append(dst, byte(num>>8), byte(num))
}

// EncodeUint16 returns num in big-endian order.
func EncodeUint16(num uint16) []byte {
	return []byte{byte(num >> 8), byte(num)}
}
