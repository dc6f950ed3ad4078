// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"
	"io"

	"github.com/absmach/mqttlite/codec"
)

// Packet is a built control packet split into its wire sections.
// A Packet lives for a single send.
type Packet struct {
	Header          byte
	RemainingLength []byte
	VariableHeader  []byte
	Payload         []byte

	// ID is the packet identifier carried in the variable header, if any.
	ID uint16
}

func newPacket(header byte, variableHeader, payload []byte) (*Packet, error) {
	rl, err := codec.EncodeRemainingLength(len(variableHeader) + len(payload))
	if err != nil {
		return nil, err
	}
	return &Packet{
		Header:          header,
		RemainingLength: rl,
		VariableHeader:  variableHeader,
		Payload:         payload,
	}, nil
}

// Type returns the packet type encoded in the header.
func (p *Packet) Type() PacketType {
	return TypeOf(p.Header)
}

// Len returns the assembled size of the packet.
func (p *Packet) Len() int {
	return 1 + len(p.RemainingLength) + len(p.VariableHeader) + len(p.Payload)
}

// Fits checks the assembled size against max. A max of 0 means no limit.
func (p *Packet) Fits(max int) error {
	if max > 0 && p.Len() > max {
		return fmt.Errorf("%w: %s needs %d bytes, limit is %d", ErrBufferTooSmall, p.Type(), p.Len(), max)
	}
	return nil
}

// Encode assembles the packet into one contiguous buffer of exactly Len bytes.
func (p *Packet) Encode(max int) ([]byte, error) {
	return p.AppendTo(nil, max)
}

// AppendTo appends the assembled packet to dst.
func (p *Packet) AppendTo(dst []byte, max int) ([]byte, error) {
	if err := p.Fits(max); err != nil {
		return dst, err
	}
	if cap(dst)-len(dst) < p.Len() {
		grown := make([]byte, len(dst), len(dst)+p.Len())
		copy(grown, dst)
		dst = grown
	}
	dst = append(dst, p.Header)
	dst = append(dst, p.RemainingLength...)
	dst = append(dst, p.VariableHeader...)
	return append(dst, p.Payload...), nil
}

// WriteTo writes the assembled packet to w.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, section := range [][]byte{{p.Header}, p.RemainingLength, p.VariableHeader, p.Payload} {
		if len(section) == 0 {
			continue
		}
		n, err := w.Write(section)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s\nremaining_length: %d\nid: %d\n", DecodeFixedHeader(p.Header), len(p.VariableHeader)+len(p.Payload), p.ID)
}
