// SPDX-License-Identifier: Apache-2.0

package columnar

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

func writeUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeInt64(w *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.Write(b[:])
}

func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func writeBytes(w *bytes.Buffer, b []byte) {
	writeUint32(w, uint32(len(b)))
	w.Write(b)
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read %d bytes: %w", n, err)
	}
	return buf, nil
}

func writeString(w *bytes.Buffer, s string) {
	writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// writeOptString writes a presence byte followed by the string, so a nil
// *string round-trips as absent rather than as an empty string.
func writeOptString(w *bytes.Buffer, s *string) {
	if s == nil {
		w.WriteByte(0)
		return
	}
	w.WriteByte(1)
	writeString(w, *s)
}

func readOptString(r io.Reader) (*string, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	s, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func writeOptInt64(w *bytes.Buffer, v *int64) {
	if v == nil {
		w.WriteByte(0)
		return
	}
	w.WriteByte(1)
	writeInt64(w, *v)
}

func readOptInt64(r io.Reader) (*int64, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	v, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
