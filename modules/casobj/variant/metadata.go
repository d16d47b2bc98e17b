// SPDX-License-Identifier: Apache-2.0

package variant

import (
	"encoding/binary"
	"fmt"
)

// metadataVersion is the only version this package ever writes; decodeMetadata
// rejects anything else with InvalidEncoding.
const metadataVersion = 1

// widthFor returns the narrowest of 1, 2, 4 bytes that can hold n.
func widthFor(n int) int {
	switch {
	case n <= 0xff:
		return 1
	case n <= 0xffff:
		return 2
	default:
		return 4
	}
}

func putUint(b []byte, width int, v uint32) {
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, v)
	}
}

func getUint(b []byte, width int) uint32 {
	switch width {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	case 4:
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// widthCode/widthFromCode map a byte width to/from the 2-bit header field.
func widthCode(width int) byte {
	switch width {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	}
	return 2
}

func widthFromCode(code byte) (int, error) {
	switch code {
	case 0:
		return 1, nil
	case 1:
		return 2, nil
	case 2:
		return 4, nil
	default:
		return 0, fmt.Errorf("casobj/variant: invalid offset-size code %d", code)
	}
}

// dictionary accumulates field names in first-appearance order, handing out
// stable slot ids so nested objects can reference a name by id instead of
// repeating the bytes.
type dictionary struct {
	order []string
	index map[string]int
}

func newDictionary() *dictionary {
	return &dictionary{index: make(map[string]int)}
}

func (d *dictionary) intern(name string) int {
	if id, ok := d.index[name]; ok {
		return id
	}
	id := len(d.order)
	d.index[name] = id
	d.order = append(d.order, name)
	return id
}

// encode serialises the dictionary to the metadata byte vector.
func (d *dictionary) encode() []byte {
	n := len(d.order)
	var total int
	for _, s := range d.order {
		total += len(s)
	}
	width := widthFor(total)
	// header(1) + offsetSize-width count + (n+1) offsets + string bytes
	out := make([]byte, 1+width+(n+1)*width+total)
	out[0] = (metadataVersion & 0x03) | (widthCode(width) << 2)
	pos := 1
	putUint(out[pos:], width, uint32(n))
	pos += width
	offsetsStart := pos
	pos += (n + 1) * width
	dataStart := pos
	off := 0
	for i, s := range d.order {
		putUint(out[offsetsStart+i*width:], width, uint32(off))
		copy(out[dataStart+off:], s)
		off += len(s)
	}
	putUint(out[offsetsStart+n*width:], width, uint32(off))
	return out
}

// decodedMetadata is the parsed form of a metadata byte vector: the field
// names in dictionary-slot order, so slot id i is names[i].
type decodedMetadata struct {
	names []string
}

func decodeMetadata(b []byte) (*decodedMetadata, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty metadata", ErrInvalidEncoding)
	}
	version := b[0] & 0x03
	if version != metadataVersion {
		return nil, fmt.Errorf("%w: unsupported metadata version %d", ErrInvalidEncoding, version)
	}
	width, err := widthFromCode((b[0] >> 2) & 0x03)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	pos := 1
	if len(b) < pos+width {
		return nil, fmt.Errorf("%w: truncated metadata count", ErrInvalidEncoding)
	}
	n := int(getUint(b[pos:], width))
	pos += width
	offsetsEnd := pos + (n+1)*width
	if len(b) < offsetsEnd {
		return nil, fmt.Errorf("%w: truncated metadata offsets", ErrInvalidEncoding)
	}
	offsets := make([]int, n+1)
	for i := 0; i <= n; i++ {
		offsets[i] = int(getUint(b[pos+i*width:], width))
	}
	dataStart := offsetsEnd
	names := make([]string, n)
	for i := 0; i < n; i++ {
		lo, hi := offsets[i], offsets[i+1]
		if lo < 0 || hi < lo || dataStart+hi > len(b) {
			return nil, fmt.Errorf("%w: metadata string offset out of range", ErrInvalidEncoding)
		}
		names[i] = string(b[dataStart+lo : dataStart+hi])
	}
	return &decodedMetadata{names: names}, nil
}
