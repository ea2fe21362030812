package async

// Mailbox tracks in-flight AsyncErrors and the callbacks to run once they
// complete. Callbacks always run on the goroutine calling ProcessMessages,
// one at a time, so an event loop can own all of its state without locks.
//
// Completions also signal the channel returned by Ready, letting a loop
// block in a select until there is something to process:
//
//	for {
//	  select {
//	  case req := <-requests:
//	    handle(req)
//	  case <-mailbox.Ready():
//	    mailbox.ProcessMessages()
//	  }
//	}
//
// Only Ready and AsyncError.SetValue may be used from other goroutines.
type Mailbox struct {
	msgs  []message
	ready chan struct{}
}

// AsyncErrorResponseHandler is invoked with the value a completed AsyncError was set to.
type AsyncErrorResponseHandler func(error)

type message struct {
	err      *AsyncError
	callback AsyncErrorResponseHandler
}

func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Count is the number of messages whose callback hasn't run yet.
func (bx *Mailbox) Count() int {
	return len(bx.msgs)
}

// Ready receives a value after at least one AsyncError completed since the
// last receive. Several completions may collapse into one signal.
func (bx *Mailbox) Ready() <-chan struct{} {
	return bx.ready
}

func (bx *Mailbox) signal() {
	select {
	case bx.ready <- struct{}{}:
	default:
	}
}

// NewAsyncError registers cb to run on the first ProcessMessages after
// the returned AsyncError is completed.
func (bx *Mailbox) NewAsyncError(cb AsyncErrorResponseHandler) *AsyncError {
	msg := message{err: newAsyncError(bx.signal), callback: cb}
	bx.msgs = append(bx.msgs, msg)
	return msg.err
}

// ProcessMessages runs the callbacks of all completed messages in the order
// they were registered and returns how many ran. Callbacks may register
// new messages.
func (bx *Mailbox) ProcessMessages() int {
	pending := bx.msgs
	bx.msgs = nil
	processed := 0
	var waiting []message
	for _, msg := range pending {
		if ok, err := msg.err.TryGetValue(); ok {
			msg.callback(err)
			processed++
		} else {
			waiting = append(waiting, msg)
		}
	}
	// callbacks may have added messages while we were iterating
	bx.msgs = append(waiting, bx.msgs...)
	return processed
}
