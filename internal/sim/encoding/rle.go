// Package encoding holds the chunk payload codec used on the wire.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrLength = errors.New("rle: decoded length mismatch")

// EncodeRLE encodes palette ids as base64 of uvarint (id, run) pairs.
func EncodeRLE(ids []uint16) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	for i := 0; i < len(ids); {
		b := ids[i]
		run := 1
		for j := i + 1; j < len(ids) && ids[j] == b; j++ {
			run++
		}
		n := binary.PutUvarint(tmp[:], uint64(b))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])
		i += run
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeRLE decodes without a size bound. Prefer DecodeRLEN for untrusted
// input.
func DecodeRLE(b64 string) ([]uint16, error) {
	return decode(b64, -1)
}

// DecodeRLEN decodes a payload that must expand to exactly want ids. Runs
// that would overflow want fail before allocating.
func DecodeRLEN(b64 string, want int) ([]uint16, error) {
	return decode(b64, want)
}

func decode(b64 string, want int) ([]uint16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("rle: %w", err)
	}
	var out []uint16
	if want >= 0 {
		out = make([]uint16, 0, want)
	}
	for i := 0; i < len(raw); {
		b, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("rle: bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("rle: bad varint at %d", i)
		}
		i += n
		if b > 0xFFFF {
			return nil, fmt.Errorf("rle: block id too large: %d", b)
		}
		if run == 0 {
			return nil, fmt.Errorf("rle: zero run at %d", i)
		}
		if want >= 0 && run > uint64(want-len(out)) {
			return nil, fmt.Errorf("%w: exceeds %d", ErrLength, want)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, uint16(b))
		}
	}
	if want >= 0 && len(out) != want {
		return nil, fmt.Errorf("%w: got %d want %d", ErrLength, len(out), want)
	}
	return out, nil
}
