// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build debug

package runtime

import (
	"bytes"
	rt "runtime"
	"sync"
	"time"

	"github.com/luxfi/log"
)

var deadlockDetectorOnce sync.Once

// maybeStartDeadlockDetector spawns a single background watcher that
// samples goroutine stacks every 10s and warns when two consecutive samples
// both find goroutines blocked acquiring mutexes, a possible sign of a
// cross-lock cycle. It compares only the counts; it does not check that the
// same goroutines are blocked in both samples. Debug builds only.
func maybeStartDeadlockDetector(logger log.Logger) {
	deadlockDetectorOnce.Do(func() {
		go func() {
			var prevBlocked int
			for {
				time.Sleep(10 * time.Second)
				buf := make([]byte, 1<<20)
				n := rt.Stack(buf, true)
				blocked := bytes.Count(buf[:n], []byte("sync.(*Mutex).Lock")) +
					bytes.Count(buf[:n], []byte("sync.(*RWMutex).Lock"))
				if blocked > 0 && prevBlocked > 0 {
					logger.Warn("goroutines blocked on mutexes across consecutive samples; possible lock cycle",
						"blocked", blocked,
					)
				}
				prevBlocked = blocked
			}
		}()
	})
}
