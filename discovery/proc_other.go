// Copyright (c) Subtrace, Inc.
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package discovery

import "fmt"

func newProcScanner() (Scanner, error) {
	return nil, fmt.Errorf("proc scanner requires linux")
}
