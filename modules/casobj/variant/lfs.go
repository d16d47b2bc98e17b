// SPDX-License-Identifier: Apache-2.0

package variant

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// LFSPointer is the parsed form of a Git LFS pointer file's two
// load-bearing fields.
type LFSPointer struct {
	OID  string
	Size int64
}

var (
	oidLineRE  = regexp.MustCompile(`^oid sha256:([0-9a-f]{64})$`)
	sizeLineRE = regexp.MustCompile(`^size (\d+)$`)
)

// ParseLFSPointer matches "oid sha256:<64hex>" and "size <n>" among the
// pointer's lines. It returns an error (rather than panicking) when either
// field is missing or malformed; callers that only need the lfs-detection
// boolean should use DetectStorageMode instead.
func ParseLFSPointer(payload []byte) (*LFSPointer, error) {
	sc := bufio.NewScanner(bytes.NewReader(payload))
	var oid string
	var size int64
	haveOID, haveSize := false, false
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if m := oidLineRE.FindStringSubmatch(line); m != nil {
			oid = m[1]
			haveOID = true
			continue
		}
		if m := sizeLineRE.FindStringSubmatch(line); m != nil {
			n, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("casobj/variant: invalid lfs size: %w", err)
			}
			size = n
			haveSize = true
		}
	}
	if !haveOID || !haveSize {
		return nil, fmt.Errorf("casobj/variant: payload is not a valid lfs pointer")
	}
	return &LFSPointer{OID: oid, Size: size}, nil
}
