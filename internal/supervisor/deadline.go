package supervisor

import (
	"sync"
	"time"
)

// deadline is a cancellable one-shot scheduled task. The goroutine behind it
// sleeps until either the timer elapses or the cancel channel is closed.
type deadline struct {
	cancel chan struct{}
	once   sync.Once
}

func (d *deadline) Cancel() {
	d.once.Do(func() { close(d.cancel) })
}

// cancelled returns a deadline that never fires
func cancelled() *deadline {
	d := &deadline{cancel: make(chan struct{})}
	d.Cancel()
	return d
}

// schedule runs fire after the given delay unless the deadline is cancelled
// first. fire receives its own deadline so it can check it is still current.
func schedule(wg *sync.WaitGroup, after time.Duration, fire func(*deadline)) *deadline {
	d := &deadline{cancel: make(chan struct{})}

	wg.Add(1)
	go func() {
		defer wg.Done()

		timer := time.NewTimer(after)
		defer timer.Stop()

		select {
		case <-timer.C:
			fire(d)
		case <-d.cancel:
		}
	}()

	return d
}
