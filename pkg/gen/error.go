package gen

import (
	"errors"
	"fmt"
)

// ErrDone is the terminal error of a normally completed stream.
var ErrDone = errors.New("gen: done")

// Status classifies how a stream ended.
type Status int

const (
	StatusOK Status = iota
	StatusDone
	StatusTruncated
	StatusBlocked
	StatusError
)

// Usage counts tokens for one response.
type Usage struct {
	PromptTokenCount    int64
	GeneratedTokenCount int64
}

// State is the terminal error of a stream. Unwrap exposes ErrDone for
// normal completion so callers can errors.Is(err, ErrDone).
type State struct {
	usage  Usage
	status Status
	err    error
}

func Done(usage Usage) *State {
	return &State{usage: usage, status: StatusDone, err: ErrDone}
}

func Truncated(usage Usage) *State {
	return &State{usage: usage, status: StatusTruncated, err: errors.New("gen: response truncated")}
}

func Blocked(usage Usage, refusal string) *State {
	return &State{usage: usage, status: StatusBlocked, err: fmt.Errorf("gen: response blocked: %s", refusal)}
}

func Failed(usage Usage, err error) *State {
	return &State{usage: usage, status: StatusError, err: fmt.Errorf("gen: generate: %w", err)}
}

func (s *State) Usage() Usage   { return s.usage }
func (s *State) Status() Status { return s.status }
func (s *State) Unwrap() error  { return s.err }

func (s *State) Error() string {
	if s.status == StatusDone {
		return "gen: done"
	}
	return s.err.Error()
}
