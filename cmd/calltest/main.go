package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes for different failure modes
const (
	ExitSuccess    = 0 // every test passed
	ExitTestFailed = 1 // a call failed or a criterion did not pass
	ExitError      = 2 // configuration or runtime error
)

// TestFailureError means the tests ran but at least one did not pass.
type TestFailureError struct {
	Failed int
	Total  int
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("%d of %d tests did not pass", e.Failed, e.Total)
}

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var testFailureErr *TestFailureError
		if errors.As(err, &testFailureErr) {
			os.Exit(ExitTestFailed)
		}
		os.Exit(ExitError)
	}
}
