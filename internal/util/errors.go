// Package util maps errors to process exit codes.
package util

import (
	"errors"
	"fmt"
	"io"

	"github.com/ledgersync/ledgersync/internal/fault"
)

// Exit codes
const (
	ExitOK           = 0
	ExitError        = 1
	ExitInvalidInput = 2
	ExitAuth         = 3
	ExitIntegrityErr = 4
	ExitConflict     = 5
	ExitRemote       = 6
)

// ExitCode returns the exit code for err
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	kind, ok := fault.KindOf(err)
	if !ok {
		return ExitError
	}
	switch kind {
	case fault.KindAuth:
		return ExitAuth
	case fault.KindDecryption, fault.KindIdentityMismatch, fault.KindLegacyFormat, fault.KindKeyDerivation:
		return ExitIntegrityErr
	case fault.KindConflict:
		return ExitConflict
	case fault.KindNotFound, fault.KindPermission, fault.KindQuota, fault.KindRateLimited, fault.KindRemote:
		return ExitRemote
	case fault.KindWriteProtected:
		return ExitInvalidInput
	default:
		return ExitError
	}
}

// Describe renders err for the terminal. Silent faults render as an empty
// string.
func Describe(err error) string {
	title, message, show := fault.UserMessage(err)
	if !show {
		return ""
	}
	var f *fault.Fault
	if errors.As(err, &f) && f.Kind == fault.KindConflict {
		return fmt.Sprintf("%s: %s\nRun 'ledgersync push' to send local changes, then sync again.", title, message)
	}
	return fmt.Sprintf("%s: %s", title, message)
}

// HandleError reports err on w and returns the exit code to use
func HandleError(w io.Writer, err error) int {
	if err == nil {
		return ExitOK
	}
	if msg := Describe(err); msg != "" {
		fmt.Fprintf(w, "Error: %s\n", msg)
	}
	return ExitCode(err)
}
