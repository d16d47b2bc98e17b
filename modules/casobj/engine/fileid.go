// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"crypto/sha256"
	"strings"
)

// sha256Prefix16 returns the first 16 bytes of the SHA-256 digest of the
// sorted SHAs, newline-joined. Decode never needs to reverse the join; it
// only has to be deterministic given the same input set, which joining on a
// byte no SHA can itself contain guarantees.
func sha256Prefix16(sortedSHAs []string) []byte {
	h := sha256.New()
	h.Write([]byte(strings.Join(sortedSHAs, "\n")))
	sum := h.Sum(nil)
	return sum[:16]
}
