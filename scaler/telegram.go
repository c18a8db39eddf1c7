package scaler

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/snksoft/crc"
)

// telegrams are encoded as [SOT][BODY][EOT], where BODY is
// [ADDR] [OP] [CHANNEL] [0..8 data bytes] [CRC] with every special byte
// escaped, so SOT and EOT each appear exactly once per telegram.

const (
	sot = 0x0D // start of telegram
	eot = 0x0A // end of telegram

	// esc flags a shifted byte.  No reserved byte exceeds 0x5E, so
	// adding escShift cannot wrap.
	esc      = 0x5E
	escShift = 0x40
)

// opcodes understood by the bank.  The response echoes the opcode, or
// carries OpNack with a reason code in the first data byte.
const (
	OpSetTime   = 0x01
	OpSetPreset = 0x02
	OpStart     = 0x03
	OpStop      = 0x04
	OpStatus    = 0x05
	OpRead      = 0x06
	OpNack      = 0x7F
)

var (
	// payloadOrder covers the 8 byte float payloads.  The CRC itself is
	// big endian per XMODEM.
	payloadOrder = binary.LittleEndian

	// reserved bytes frame or escape a telegram and are shifted out of
	// the body before transmission.
	reserved = []byte{eot, sot, esc}

	xmodem = crc.NewTable(crc.XMODEM)

	// nackText maps refusal codes to their meaning
	nackText = map[byte]string{
		1: "unknown opcode",
		2: "bad channel",
		3: "bad value",
		4: "busy",
	}
)

// Frame is one telegram body before packing: who it addresses, what to do,
// on which channel, with what payload.
type Frame struct {
	Addr    byte
	Op      byte
	Channel byte
	Data    []byte
}

// crcBytes computes the two byte CRC-CCITT XMODEM value of buf.
func crcBytes(buf []byte) []byte {
	c := xmodem.InitCrc()
	c = xmodem.UpdateCrc(c, buf)
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, xmodem.CRC16(c))
	return out
}

func escape(body []byte) []byte {
	out := make([]byte, 0, len(body)+2)
	for _, b := range body {
		if bytes.IndexByte(reserved, b) >= 0 {
			out = append(out, esc, b+escShift)
			continue
		}
		out = append(out, b)
	}
	return out
}

func unescape(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b == esc && i+1 < len(raw) {
			i++
			b = raw[i] - escShift
		}
		out = append(out, b)
	}
	return out
}

// EncodeTelegram packs a frame for the wire: body and CRC escaped, start
// byte prepended.  The end byte is added by the transport framing.
func EncodeTelegram(f Frame) []byte {
	body := append([]byte{f.Addr, f.Op, f.Channel}, f.Data...)
	body = append(body, crcBytes(body)...)
	return append([]byte{sot}, escape(body)...)
}

// DecodeTelegram unpacks a raw byte stream into a frame, verifying the
// CRC.  Bytes outside the start and end markers are dropped.
func DecodeTelegram(tele []byte) (Frame, error) {
	i := bytes.IndexByte(tele, sot)
	if i < 0 {
		return Frame{}, fmt.Errorf("telegram start byte %#02x not found", sot)
	}
	tele = tele[i+1:]
	if j := bytes.IndexByte(tele, eot); j >= 0 {
		tele = tele[:j]
	}
	body := unescape(tele)
	if len(body) < 5 {
		return Frame{}, fmt.Errorf("telegram too short: %d bytes after unescaping", len(body))
	}
	fidx := len(body) - 2
	recv := body[fidx:]
	body = body[:fidx]
	if want := crcBytes(body); !bytes.Equal(recv, want) {
		return Frame{}, fmt.Errorf("telegram CRC mismatch: got % 02X, want % 02X", recv, want)
	}
	return Frame{
		Addr:    body[0],
		Op:      body[1],
		Channel: body[2],
		Data:    body[3:],
	}, nil
}

// putFloat encodes a value the way the bank expects its payloads.
func putFloat(v float64) []byte {
	b := make([]byte, 8)
	payloadOrder.PutUint64(b, math.Float64bits(v))
	return b
}

// parseFloat decodes a bank payload.
func parseFloat(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 data bytes, got %d", len(b))
	}
	return math.Float64frombits(payloadOrder.Uint64(b)), nil
}
