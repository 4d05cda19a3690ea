package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(t *testing.T, window time.Duration, maxFailures int) *FailureLimiter {
	t.Helper()
	l := NewFailureLimiter(window, maxFailures, 1000)
	t.Cleanup(l.Close)
	return l
}

func TestFailureLimiterFail(t *testing.T) {
	t.Run("blocks at the failure ceiling", func(t *testing.T) {
		l := newTestLimiter(t, time.Minute, 10)

		for i := 1; i < 10; i++ {
			assert.False(t, l.Fail("1.2.3.4"), "failure %d should not block", i)
		}
		assert.True(t, l.Fail("1.2.3.4"), "10th failure should block")
		assert.True(t, l.Fail("1.2.3.4"), "failures past the ceiling stay blocked")
	})

	t.Run("addresses are tracked independently", func(t *testing.T) {
		l := newTestLimiter(t, time.Minute, 3)

		l.Fail("10.0.0.1")
		l.Fail("10.0.0.1")
		assert.False(t, l.Fail("10.0.0.2"))
		assert.False(t, l.Blocked("10.0.0.2"))
	})

	t.Run("expired window starts a fresh count", func(t *testing.T) {
		l := newTestLimiter(t, 50*time.Millisecond, 3)

		l.Fail("1.1.1.1")
		l.Fail("1.1.1.1")
		assert.True(t, l.Fail("1.1.1.1"))

		time.Sleep(80 * time.Millisecond)
		assert.False(t, l.Fail("1.1.1.1"), "first failure of the new window should not block")
	})

	t.Run("ceiling of one blocks immediately", func(t *testing.T) {
		l := newTestLimiter(t, time.Minute, 1)
		assert.True(t, l.Fail("9.9.9.9"))
	})
}

func TestFailureLimiterBlocked(t *testing.T) {
	t.Run("unknown address is not blocked", func(t *testing.T) {
		l := newTestLimiter(t, time.Minute, 3)
		assert.False(t, l.Blocked("8.8.8.8"))
	})

	t.Run("blocked does not record a failure", func(t *testing.T) {
		l := newTestLimiter(t, time.Minute, 3)

		l.Fail("2.2.2.2")
		for range 10 {
			assert.False(t, l.Blocked("2.2.2.2"))
		}
		assert.False(t, l.Fail("2.2.2.2"), "only the second recorded failure")
	})

	t.Run("reports blocked after the ceiling", func(t *testing.T) {
		l := newTestLimiter(t, time.Minute, 2)
		l.Fail("3.3.3.3")
		l.Fail("3.3.3.3")
		assert.True(t, l.Blocked("3.3.3.3"))
	})

	t.Run("block clears when the window lapses", func(t *testing.T) {
		l := newTestLimiter(t, 50*time.Millisecond, 2)
		l.Fail("4.4.4.4")
		l.Fail("4.4.4.4")
		assert.True(t, l.Blocked("4.4.4.4"))

		time.Sleep(80 * time.Millisecond)
		assert.False(t, l.Blocked("4.4.4.4"))
	})
}

func TestFailureLimiterConcurrency(t *testing.T) {
	t.Run("parallel failures from many addresses", func(t *testing.T) {
		l := newTestLimiter(t, time.Minute, 5)

		done := make(chan struct{})
		for i := range 8 {
			go func() {
				defer func() { done <- struct{}{} }()
				addr := fmt.Sprintf("10.1.0.%d", i)
				for range 20 {
					l.Fail(addr)
				}
			}()
		}
		for range 8 {
			<-done
		}

		for i := range 8 {
			assert.True(t, l.Blocked(fmt.Sprintf("10.1.0.%d", i)))
		}
	})
}
