package async

// AsyncError is a future holding the error an asynchronous piece of work
// finished with. It is completed exactly once with SetValue and read from
// the owning goroutine with TryGetValue.
type AsyncError struct {
	errCh     chan error
	notify    func()
	val       error
	completed bool
}

func newAsyncError(notify func()) *AsyncError {
	return &AsyncError{
		errCh:  make(chan error, 1),
		notify: notify,
	}
}

// SetValue completes the AsyncError. Calling it twice panics.
// Safe to call from any goroutine.
func (e *AsyncError) SetValue(err error) {
	e.errCh <- err
	close(e.errCh)
	if e.notify != nil {
		e.notify()
	}
}

// TryGetValue reports whether the value is set, and if so returns it.
// Must only be called from the goroutine that owns the mailbox.
func (e *AsyncError) TryGetValue() (bool, error) {
	if e.completed {
		return true, e.val
	}
	select {
	case err := <-e.errCh:
		e.val = err
		e.completed = true
		return true, err
	default:
		return false, nil
	}
}
