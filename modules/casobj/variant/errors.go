// SPDX-License-Identifier: Apache-2.0

package variant

import "errors"

// ErrInvalidEncoding is surfaced when Decode is handed bytes it cannot
// parse.
var ErrInvalidEncoding = errors.New("casobj/variant: invalid encoding")
