package configflow

import "errors"

var (
	// ErrFlowNotFound is returned for an unknown, finished or expired flow id.
	ErrFlowNotFound = errors.New("configflow: flow not found")

	// ErrFlowBusy is returned when a step is submitted while another step of
	// the same flow is still running.
	ErrFlowBusy = errors.New("configflow: flow busy")
)
