// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"io"
)

var (
	// ErrMaxLengthExceeded represents an error for invalid length int size.
	// Remaining length is a positive integer of at most four bytes.
	ErrMaxLengthExceeded = errors.New("max length value exceeded")

	// ErrMalformedField indicates a length or string field ran past the end of its buffer.
	ErrMalformedField = errors.New("malformed field")

	// ErrBufferTooShort indicates the destination buffer has no room for the field.
	ErrBufferTooShort = errors.New("buffer too short")

	// ErrStringTooLong indicates a string does not fit a 16-bit length prefix.
	ErrStringTooLong = errors.New("string exceeds 65535 bytes")
)

// DecodeRemainingLength decodes a remaining length from the start of b.
// It accumulates 7 bits per byte and stops at the first byte whose high bit is clear.
// It returns the value and the number of bytes consumed.
func DecodeRemainingLength(b []byte) (int, int, error) {
	var value int
	multiplier := 1
	for i := 0; i < MaxRemainingLengthSize; i++ {
		if i >= len(b) {
			return 0, 0, ErrMalformedField
		}
		digit := b[i]
		value += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			return value, i + 1, nil
		}
		multiplier *= 128
	}
	return 0, 0, ErrMaxLengthExceeded
}

// ReadRemainingLength is the streaming form of DecodeRemainingLength.
func ReadRemainingLength(r io.ByteReader) (int, error) {
	var value int
	multiplier := 1
	for i := 0; i < MaxRemainingLengthSize; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && i > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		value += int(digit&0x7F) * multiplier
		if digit&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, ErrMaxLengthExceeded
}

// ExtractString reads an MQTT string field at src[off:].
// It returns the string and the number of bytes consumed, length+2.
func ExtractString(src []byte, off int) (string, int, error) {
	n, err := Uint16(src, off)
	if err != nil {
		return "", 0, err
	}
	start := off + 2
	end := start + int(n)
	if end > len(src) {
		return "", 0, ErrMalformedField
	}
	return string(src[start:end]), int(n) + 2, nil
}

// Uint16 reads a big-endian 16-bit value at src[off:].
func Uint16(src []byte, off int) (uint16, error) {
	if off < 0 || len(src)-off < 2 {
		return 0, ErrMalformedField
	}
	return uint16(src[off+1]) | uint16(src[off])<<8, nil
}
