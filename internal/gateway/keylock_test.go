// ABOUTME: Tests for the per-key mutex guarding session updates
// ABOUTME: Checks that one key serializes holders and entries are released

package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyLocks(t *testing.T) {
	var k keyLocks

	unlockA := k.lock("a")
	unlockB := k.lock("b")
	assert.Equal(t, 2, k.len(), "distinct keys do not block each other")

	acquired := make(chan struct{})
	go func() {
		unlock := k.lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder of a key did not wait")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	select {
	case <-acquired:
	case <-time.After(frameTimeout):
		t.Fatal("waiter never acquired the key")
	}
	unlockB()
	assert.Eventually(t, func() bool { return k.len() == 0 }, time.Second, time.Millisecond)
}
