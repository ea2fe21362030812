package local

import (
	"context"
)

// FakeExecer hands every command to the test through Calls and blocks
// until the test finishes the call or the command's context is canceled.
type FakeExecer struct {
	Calls chan *FakeCall
}

type FakeCall struct {
	Command Command
	done    chan error
}

// Finish makes the blocked Exec return err.
func (c *FakeCall) Finish(err error) {
	c.done <- err
}

func NewFakeExecer() *FakeExecer {
	return &FakeExecer{Calls: make(chan *FakeCall, 100)}
}

func (e *FakeExecer) Exec(ctx context.Context, cmd Command) error {
	call := &FakeCall{Command: cmd, done: make(chan error, 1)}
	select {
	case e.Calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-call.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
