// Package irqctx tracks whether the calling goroutine is standing in for
// interrupt context. On real hardware this would be "are we running on
// the interrupt stack"; here it is a cooperative marker an ISR simulation
// sets around the handler body so allocator/paging/scheduler code that
// must never block or allocate in interrupt context (spec.md §5) can
// refuse to do so instead of silently misbehaving.
package irqctx

import "sync/atomic"

var depth int32

/// Enter marks the start of interrupt-context execution. Enter/Leave
/// nest, matching chained ISR dispatch (spec.md §4.6, §9) where one
/// handler may invoke the next.
func Enter() {
	atomic.AddInt32(&depth, 1)
}

/// Leave ends one level of interrupt-context execution.
func Leave() {
	atomic.AddInt32(&depth, -1)
}

/// InInterrupt reports whether the calling goroutine is currently inside
/// simulated interrupt context.
func InInterrupt() bool {
	return atomic.LoadInt32(&depth) > 0
}
