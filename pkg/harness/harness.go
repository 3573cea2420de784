package harness

// types shared between the test framework and the hardware test components

import (
	"errors"
	"fmt"
)

// Outcome is the framework level verdict of a single test invocation.
type Outcome int

const (
	Passed Outcome = iota
	Skipped
	Failed
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Passed:
		return "passed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// SkipReason says why an invocation produced no verdict about the hardware.
type SkipReason int

const (
	// ResourceUnavailable marks a missing kernel interface, device or permission.
	ResourceUnavailable SkipReason = iota
	// RuntimeSkip marks an invocation that does not apply to the current cpu or run.
	RuntimeSkip
)

func (r SkipReason) String() string {
	switch r {
	case ResourceUnavailable:
		return "resource unavailable"
	case RuntimeSkip:
		return "runtime skip"
	}
	return fmt.Sprintf("skip(%d)", int(r))
}

// CPU identifies one logical cpu as enumerated by the owning framework.
// Number is the OS cpu number, Thread the SMT sibling index within the core.
type CPU struct {
	Number uint
	Thread uint
}

// SkipError reports an invocation that could not run to a verdict.
type SkipError struct {
	Reason  SkipReason
	Message string
}

func (e *SkipError) Error() string {
	return e.Message
}

// Skipf builds a SkipError with a formatted message.
func Skipf(reason SkipReason, format string, args ...interface{}) *SkipError {
	return &SkipError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// HardwareError reports a defect confirmed by the hardware under test.
type HardwareError struct {
	Device string
	Code   string
	Detail string
}

func (e *HardwareError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Device, e.Detail)
	}
	return fmt.Sprintf("%s: %s, code %s", e.Device, e.Detail, e.Code)
}

// Classify maps an error returned by a test component onto the run verdict.
// Anything that is neither a skip nor a confirmed hardware failure is an
// environment problem the framework cannot recover from.
func Classify(err error) Outcome {
	if err == nil {
		return Passed
	}
	var skip *SkipError
	if errors.As(err, &skip) {
		return Skipped
	}
	var hardware *HardwareError
	if errors.As(err, &hardware) {
		return Failed
	}
	return Fatal
}
