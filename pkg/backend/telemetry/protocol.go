// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"encoding/binary"
	"fmt"

	"github.com/SerhiiYahdzhyiev/EMA/pkg/device"
)

// Version is the only registration frame version understood
const Version uint8 = 1

// Wire values of the device type byte. Unknown values decode as misc.
const (
	WireMisc uint8 = iota
	WireCPU
	WireGPU
	WireDRAM
)

const readingSize = 16

// Sensor is one entry of a registration frame
type Sensor struct {
	ID    string
	Topic string
	Type  uint8
}

// DeviceType maps the wire type byte onto a device type
func (s Sensor) DeviceType() device.Type {
	switch s.Type {
	case WireCPU:
		return device.TypeCPU
	case WireGPU:
		return device.TypeGPU
	case WireDRAM:
		return device.TypeDRAM
	}
	return device.TypeMisc
}

// Reading is an energy frame
type Reading struct {
	Energy device.Energy
	// Time is the gateway timestamp; it is not interpreted
	Time uint64
}

// frameReader consumes a frame front to back and remembers the first short
// read
type frameReader struct {
	buf []byte
	off int
	err error
}

func (r *frameReader) take(n uint64, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)-r.off) {
		r.err = fmt.Errorf("%w: short frame reading %s at offset %d: need %d bytes, have %d",
			device.ErrProtocol, what, r.off, n, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}

func (r *frameReader) u8(what string) uint8 {
	if b := r.take(1, what); b != nil {
		return b[0]
	}
	return 0
}

func (r *frameReader) u16(what string) uint16 {
	if b := r.take(2, what); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *frameReader) u64(what string) uint64 {
	if b := r.take(8, what); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *frameReader) str(what string) string {
	n := r.u64(what + " length")
	return string(r.take(n, what))
}

// DecodeRegistration parses a registration frame:
//
//	u8 version | u16 count | count × (u64 len | id | u64 len | topic | u8 type)
//
// All integers are little endian.
func DecodeRegistration(frame []byte) ([]Sensor, error) {
	r := &frameReader{buf: frame}
	v := r.u8("version")
	if r.err != nil {
		return nil, r.err
	}
	if v != Version {
		return nil, fmt.Errorf("%w: version mismatch: want %d, got %d", device.ErrProtocol, Version, v)
	}

	count := r.u16("count")
	sensors := make([]Sensor, 0, count)
	for i := 0; i < int(count) && r.err == nil; i++ {
		s := Sensor{
			ID:    r.str("id"),
			Topic: r.str("topic"),
			Type:  r.u8("type"),
		}
		sensors = append(sensors, s)
	}
	if r.err != nil {
		return nil, r.err
	}
	return sensors, nil
}

// EncodeRegistration builds a registration frame
func EncodeRegistration(sensors []Sensor) []byte {
	buf := []byte{Version}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(sensors)))
	for _, s := range sensors {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(s.ID)))
		buf = append(buf, s.ID...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(s.Topic)))
		buf = append(buf, s.Topic...)
		buf = append(buf, s.Type)
	}
	return buf
}

// DecodeReading parses an energy frame: u64 microjoules | u64 timestamp.
// Trailing bytes are ignored.
func DecodeReading(frame []byte) (Reading, error) {
	if len(frame) < readingSize {
		return Reading{}, fmt.Errorf("%w: short energy frame: need %d bytes, have %d",
			device.ErrProtocol, readingSize, len(frame))
	}
	return Reading{
		Energy: device.Energy(binary.LittleEndian.Uint64(frame[0:8])),
		Time:   binary.LittleEndian.Uint64(frame[8:16]),
	}, nil
}

// EncodeReading builds an energy frame
func EncodeReading(r Reading) []byte {
	buf := make([]byte, 0, readingSize)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Energy))
	return binary.LittleEndian.AppendUint64(buf, r.Time)
}
