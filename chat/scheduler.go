package chat

import "time"

// Timer is a scheduled task that can be revoked before it runs.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. Every stage transition of the driver is one
// scheduled task.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

// RealScheduler schedules tasks on the runtime timer heap.
func RealScheduler() Scheduler {
	return realScheduler{}
}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
