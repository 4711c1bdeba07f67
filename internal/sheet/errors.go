package sheet

import "fmt"

// PermissionError indicates the backend rejected the credential for this
// spreadsheet. Never retried.
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("sheet: %s: permission denied: %v", e.Op, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// NotFoundError indicates the spreadsheet, tab, or range does not exist.
// Never retried.
type NotFoundError struct {
	Op  string
	Err error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sheet: %s: not found: %v", e.Op, e.Err)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// TransientError wraps a transport failure that survived the full in-place
// retry budget. Rows hitting this surface it as a retriable row failure.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("sheet: %s: transient failure after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}
