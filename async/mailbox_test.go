package async

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncError_NotCompleted(t *testing.T) {
	err := newAsyncError(nil)
	ok, retErr := err.TryGetValue()
	assert.False(t, ok)
	assert.NoError(t, retErr)
}

func TestAsyncError_Completed(t *testing.T) {
	notified := 0
	err := newAsyncError(func() { notified++ })
	testErr := errors.New("Test Error!")
	err.SetValue(testErr)
	assert.Equal(t, 1, notified)

	for i := 0; i < 2; i++ {
		ok, retErr := err.TryGetValue()
		assert.True(t, ok)
		assert.Equal(t, testErr, retErr)
	}
}

func TestAsyncError_CallingSetValueMoreThanOncePanics(t *testing.T) {
	err := newAsyncError(nil)
	err.SetValue(nil)
	assert.Panics(t, func() { err.SetValue(nil) })
}

func waitReady(t *testing.T, bx *Mailbox) {
	select {
	case <-bx.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("mailbox never signaled ready")
	}
}

func Test_Mailbox(t *testing.T) {
	mailbox := NewMailbox()

	var retErr error
	invoked := false
	asyncErr := mailbox.NewAsyncError(func(err error) {
		retErr = err
		invoked = true
	})
	assert.Equal(t, 1, mailbox.Count())
	assert.Equal(t, 0, mailbox.ProcessMessages())

	go func(rsp *AsyncError) {
		rsp.SetValue(errors.New("Test Error!"))
	}(asyncErr)

	waitReady(t, mailbox)
	assert.Equal(t, 1, mailbox.ProcessMessages())
	require.True(t, invoked)
	assert.EqualError(t, retErr, "Test Error!")
	assert.Equal(t, 0, mailbox.Count())
}

func Test_MailboxCallbacksRunInRegistrationOrder(t *testing.T) {
	mailbox := NewMailbox()
	var order []int
	errs := make([]*AsyncError, 3)
	for i := range errs {
		i := i
		errs[i] = mailbox.NewAsyncError(func(error) { order = append(order, i) })
	}
	errs[2].SetValue(nil)
	errs[0].SetValue(nil)
	errs[1].SetValue(nil)

	assert.Equal(t, 3, mailbox.ProcessMessages())
	assert.Equal(t, []int{0, 1, 2}, order)
}

func Test_MailboxCallbackMayRegisterMore(t *testing.T) {
	mailbox := NewMailbox()
	var second *AsyncError
	first := mailbox.NewAsyncError(func(error) {
		second = mailbox.NewAsyncError(func(error) {})
	})
	first.SetValue(nil)

	assert.Equal(t, 1, mailbox.ProcessMessages())
	require.NotNil(t, second)
	assert.Equal(t, 1, mailbox.Count())
}

// A majority write: done once two of three replicas answered.
func Test_RunnerMajority(t *testing.T) {
	runner := NewRunner()
	succeeded, returned := 0, 0
	cb := func(err error) {
		if err == nil {
			succeeded++
		}
		returned++
	}
	runner.RunAsync(func() error { return nil }, cb)
	runner.RunAsync(func() error { return errors.New("replica down") }, cb)
	runner.RunAsync(func() error { return nil }, cb)

	for succeeded < 2 && returned < 3 {
		select {
		case <-runner.Ready():
			runner.ProcessMessages()
		case <-time.After(5 * time.Second):
			t.Fatal("runner never signaled ready")
		}
	}
	assert.GreaterOrEqual(t, succeeded, 2)
}
