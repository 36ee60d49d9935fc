// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
)

// Error kinds reported by backends, the overflow tracker and the region
// engine. Callers test for them with errors.Is.
var (
	ErrAllocation    = errors.New("allocation failure")
	ErrIO            = errors.New("i/o failure")
	ErrProtocol      = errors.New("protocol failure")
	ErrThread        = errors.New("thread failure")
	ErrLimitExceeded = errors.New("limit exceeded")
	ErrNotSupported  = errors.New("not supported")
)

var kinds = []error{ErrAllocation, ErrIO, ErrProtocol, ErrThread, ErrLimitExceeded, ErrNotSupported}

// classify wraps err as ErrIO unless it already carries one of the error kinds
func classify(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	for _, k := range kinds {
		if errors.Is(err, k) {
			return fmt.Errorf("%s: %w", msg, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", msg, ErrIO, err)
}
