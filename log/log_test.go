package log

import (
	"sync"
	"testing"
)

func TestSetDebugConcurrently(t *testing.T) {
	defer SetDebug(false)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(on bool) {
			defer wg.Done()
			SetDebug(on)
		}(i%2 == 0)
		go func() {
			defer wg.Done()
			Debugf("toggle %d", 1)
			DebugEnabled()
		}()
	}
	wg.Wait()

	SetDebug(true)
	if !DebugEnabled() {
		t.Error("DebugEnabled = false after SetDebug(true)")
	}
	SetDebug(false)
	if DebugEnabled() {
		t.Error("DebugEnabled = true after SetDebug(false) at default verbosity")
	}
}
