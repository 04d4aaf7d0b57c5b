// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the package-wide logger used by the peer package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
