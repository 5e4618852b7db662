package enrichment

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted = errors.New("enrichment: pipeline already started")
	ErrReceiverClosed = errors.New("enrichment: outbound receiver closed")
	// ErrReceiveBudget is wrapped by the error Start returns when too many
	// consecutive notification receives failed.
	ErrReceiveBudget = errors.New("enrichment: receive error budget exhausted")
)

// StartError is returned by Start when the pipeline never reached Running.
type StartError struct {
	Stage string
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("enrichment: %s failed: %v", e.Stage, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
