package schedule

import "time"

// Observer receives scheduling events. The metrics reporter implements it;
// a no-op keeps the scheduler usable without one.
type Observer interface {
	ObserveEnqueue(priority uint32)
	ObserveTimeout()
	ObserveBatch(runnerIdx int, batchSize int, queueWait time.Duration, execTime time.Duration, err error)
}

type NopObserver struct{}

func (NopObserver) ObserveEnqueue(uint32) {}

func (NopObserver) ObserveTimeout() {}

func (NopObserver) ObserveBatch(int, int, time.Duration, time.Duration, error) {}
