package pipeline

import "fmt"

// FaultKind classifies the failures the pipeline absorbs into an ERROR status.
type FaultKind string

const (
	FaultMissingSource FaultKind = "missing_source"
	FaultDecode        FaultKind = "decode"
	FaultWrite         FaultKind = "write"
	FaultUnexpected    FaultKind = "unexpected"
)

type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

type OutcomeKind int

const (
	// OutcomeDone: thumbnails written and status DONE.
	OutcomeDone OutcomeKind = iota
	// OutcomeFailed: a recognized fault was recorded as status ERROR.
	OutcomeFailed
	// OutcomeUnhandled: the job could not be settled (store outage, shutdown) and
	// should be redelivered.
	OutcomeUnhandled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDone:
		return "done"
	case OutcomeFailed:
		return "failed"
	case OutcomeUnhandled:
		return "unhandled"
	}
	return "unknown"
}

type Outcome struct {
	Kind       OutcomeKind
	Thumbnails map[string]string
	Fault      FaultKind
	Err        error
}
