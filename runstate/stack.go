package runstate

import (
	"errors"
	"fmt"
)

// ErrStackOverflow is returned by Push when the interruption stack is
// already at Policy.MaxStackDepth.
var ErrStackOverflow = errors.New("runstate: interruption stack overflow")

// Push appends a detour frame onto the interruption stack. It fails with
// ErrStackOverflow if depth would exceed maxDepth; on overflow the caller
// (kernel) must emit stack_overflow_prevented, leave the stack untouched,
// and set needs_human=true on the next routing decision.
func (rs *RunState) Push(frame StackFrame, maxDepth int) error {
	if len(rs.InterruptionStack) >= maxDepth {
		return fmt.Errorf("%w: depth %d at max %d", ErrStackOverflow, len(rs.InterruptionStack), maxDepth)
	}
	rs.InterruptionStack = append(rs.InterruptionStack, frame)
	return nil
}

// Pop removes and returns the top frame. It panics if the stack is empty —
// callers (the kernel) must only pop when the candidate generator has
// already confirmed a pop_stack candidate exists.
func (rs *RunState) Pop() StackFrame {
	n := len(rs.InterruptionStack)
	if n == 0 {
		panic("runstate: Pop called on empty interruption stack")
	}
	frame := rs.InterruptionStack[n-1]
	rs.InterruptionStack = rs.InterruptionStack[:n-1]
	return frame
}

// Peek returns the top frame without removing it, and whether one exists.
func (rs *RunState) Peek() (StackFrame, bool) {
	n := len(rs.InterruptionStack)
	if n == 0 {
		return StackFrame{}, false
	}
	return rs.InterruptionStack[n-1], true
}

// Depth reports the current stack depth.
func (rs *RunState) Depth() int {
	return len(rs.InterruptionStack)
}
