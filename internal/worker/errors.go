package worker

import (
	"fmt"
)

// NetworkError marks a transient transfer failure against the remote
// store. Network failures are retried a bounded number of times per file;
// everything else is terminal for the file.
type NetworkError struct {
	Path string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
