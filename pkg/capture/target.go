package capture

import (
	"errors"
	"time"
)

type SourceKind int

const (
	DirectAttachment SourceKind = iota
	ShareLink
	ProfileMedia
)

func (k SourceKind) String() string {
	switch k {
	case DirectAttachment:
		return "attachment"
	case ShareLink:
		return "share_link"
	case ProfileMedia:
		return "profile"
	}
	return "unknown"
}

// Target is one unit of archival work: fetch SourceURL into Path, then stamp
// Path with Timestamp.
type Target struct {
	Source    SourceKind
	SourceURL string
	Path      string
	Timestamp time.Time
}

// State tracks a Target through Pending → Downloading → Downloaded →
// TimestampSynced, or into Failed from any non-terminal state.
type State int

const (
	Pending State = iota
	Downloading
	Downloaded
	TimestampSynced
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Downloading:
		return "downloading"
	case Downloaded:
		return "downloaded"
	case TimestampSynced:
		return "synced"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == TimestampSynced || s == Failed
}

type Outcome struct {
	Target Target
	State  State
	Bytes  int64
	SHA256 string
	Err    error
}

// Report lists the outcome of every target planned for one event.
type Report struct {
	EventID  string
	Outcomes []Outcome
}

func (r Report) Synced() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == TimestampSynced {
			n++
		}
	}
	return n
}

func (r Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == Failed {
			n++
		}
	}
	return n
}

// Err joins the errors of all failed outcomes, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

var errEmptySubject = errors.New("profile event has no subject id")
