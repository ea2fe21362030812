// Package async provides callback processing for work done on other
// goroutines, so an event loop can react to results without sharing state.
package async

// Runner spawns goroutines for functions and runs their callbacks through
// a Mailbox. The local batch cluster uses it to hear back from executing
// commands on its own event loop.
//
//	runner := async.NewRunner()
//	runner.RunAsync(func() error { return cmd.Run() }, func(err error) {
//	  record.finish(err) // runs on the loop goroutine
//	})
//	for runner.NumRunning() > 0 {
//	  <-runner.Ready()
//	  runner.ProcessMessages()
//	}
type Runner struct {
	bx *Mailbox
}

func NewRunner() Runner {
	return Runner{bx: NewMailbox()}
}

// NumRunning counts functions whose callback hasn't been processed yet.
func (r *Runner) NumRunning() int {
	return r.bx.Count()
}

// RunAsync runs f on a new goroutine. cb gets f's result during a later
// ProcessMessages call.
func (r *Runner) RunAsync(f func() error, cb AsyncErrorResponseHandler) {
	asyncErr := r.bx.NewAsyncError(cb)
	go func(rsp *AsyncError) {
		rsp.SetValue(f())
	}(asyncErr)
}

// Ready is signaled when some function finished. See Mailbox.Ready.
func (r *Runner) Ready() <-chan struct{} {
	return r.bx.Ready()
}

// ProcessMessages invokes the callbacks of all finished functions on the
// calling goroutine and returns how many ran.
func (r *Runner) ProcessMessages() int {
	return r.bx.ProcessMessages()
}
