package chat

import (
	"fmt"
	"sync"
)

// StepTracker holds the progress snapshot of the running pipeline. Snapshots
// are replaced wholesale; there is no partial update.
type StepTracker struct {
	mu     sync.RWMutex
	stages []Stage
	pub    Publisher
}

func NewStepTracker(pub Publisher) *StepTracker {
	if pub == nil {
		pub = nopPublisher{}
	}
	return &StepTracker{pub: pub}
}

// Reset clears the tracker. Observers are only notified when there was
// something to clear.
func (t *StepTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.stages) == 0 {
		return
	}
	t.stages = nil
	t.pub.Publish(Event{Type: EventStagesCleared})
}

// SetStages replaces the snapshot. It rejects snapshots that do not end in
// the single processing stage.
func (t *StepTracker) SetStages(stages []Stage) error {
	if err := ValidateStages(stages); err != nil {
		return err
	}
	if len(stages) == 0 {
		t.Reset()
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stages = cloneStages(stages)
	t.pub.Publish(Event{Type: EventStages, Stages: cloneStages(stages)})
	return nil
}

func (t *StepTracker) Stages() []Stage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneStages(t.stages)
}

// ValidateStages checks that a non-empty snapshot has exactly one processing
// stage, that it is the last one, and that every earlier stage is completed.
func ValidateStages(stages []Stage) error {
	last := len(stages) - 1
	for i, stage := range stages {
		if stage.Status != StageCompleted && stage.Status != StageProcessing {
			return fmt.Errorf("%w: stage %q has unknown status %q", ErrInvalidSnapshot, stage.ID, stage.Status)
		}
		if i < last && stage.Status != StageCompleted {
			return fmt.Errorf("%w: stage %q at position %d is %s", ErrInvalidSnapshot, stage.ID, i, stage.Status)
		}
		if i == last && stage.Status != StageProcessing {
			return fmt.Errorf("%w: last stage %q is %s, want %s", ErrInvalidSnapshot, stage.ID, stage.Status, StageProcessing)
		}
	}
	return nil
}
