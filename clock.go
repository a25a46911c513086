// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package archivist

import "time"

// SystemClock is the default Clock, backed by time.Now().
type SystemClock struct{}

// NowMs returns the current epoch-millisecond timestamp.
func (SystemClock) NowMs() int64 {
	return time.Now().UnixMilli()
}
