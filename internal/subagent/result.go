package subagent

import (
	"github.com/ShayCichocki/conductor/pkg/models"
)

// Result is the final outcome of a task. Exactly one variant exists per
// terminal status: Completed, Failed, TimedOut, or Cancelled.
type Result interface {
	Status() models.SubagentStatus
	isResult()
}

// Completed is the result of a task that finished successfully.
type Completed struct {
	Output string
}

// Failed is the result of a task whose execution returned an error.
type Failed struct {
	Err error
}

// TimedOut is the result of a task that hit its dispatch deadline.
// Partial holds whatever output streamed before the deadline.
type TimedOut struct {
	Partial string
	Err     error
}

// Cancelled is the result of a task cancelled by a caller or by Close.
type Cancelled struct {
	Err error
}

func (Completed) Status() models.SubagentStatus { return models.SubagentCompleted }
func (Failed) Status() models.SubagentStatus    { return models.SubagentFailed }
func (TimedOut) Status() models.SubagentStatus  { return models.SubagentTimeout }
func (Cancelled) Status() models.SubagentStatus { return models.SubagentCancelled }

func (Completed) isResult() {}
func (Failed) isResult()    {}
func (TimedOut) isResult()  {}
func (Cancelled) isResult() {}

// errorOf returns the error carried by a non-success result.
func errorOf(r Result) error {
	switch v := r.(type) {
	case Failed:
		return v.Err
	case TimedOut:
		return v.Err
	case Cancelled:
		return v.Err
	default:
		return nil
	}
}
