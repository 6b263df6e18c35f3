// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build !debug

package runtime

import "github.com/luxfi/log"

// maybeStartDeadlockDetector is a no-op outside debug builds.
func maybeStartDeadlockDetector(log.Logger) {}
