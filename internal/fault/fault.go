// Package fault classifies every failure surfaced by the ledger subsystem.
//
// Low level errors (bbolt, HTTP, crypto) are wrapped into a *Fault at the
// package boundary so that callers only deal with the kinds listed below and
// never with raw platform errors.
package fault

import (
	"errors"
	"fmt"
)

// Severity decides how a fault is surfaced to the user
type Severity int

const (
	// Silent faults are internal signals and never shown
	Silent Severity = iota
	// Recoverable faults are shown and the user can act on them
	Recoverable
	// Critical faults indicate a broken platform or data
	Critical
)

func (s Severity) String() string {
	switch s {
	case Silent:
		return "silent"
	case Recoverable:
		return "recoverable"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Kind identifies a class of fault - keep in alphabetic order
type Kind string

const (
	KindAuth             Kind = "auth"
	KindConflict         Kind = "conflict"
	KindDecryption       Kind = "decryption"
	KindIdentityMismatch Kind = "identity_mismatch"
	KindKeyDerivation    Kind = "key_derivation"
	KindLegacyFormat     Kind = "legacy_format"
	KindLoadLock         Kind = "load_lock"
	KindNotFound         Kind = "not_found"
	KindPermission       Kind = "permission"
	KindQuota            Kind = "quota"
	KindRateLimited      Kind = "rate_limited"
	KindRemote           Kind = "remote"
	KindStoreConnection  Kind = "store_connection"
	KindWriteProtected   Kind = "write_protected"
)

var kindSeverity = map[Kind]Severity{
	KindAuth:             Recoverable,
	KindConflict:         Recoverable,
	KindDecryption:       Critical,
	KindIdentityMismatch: Recoverable,
	KindKeyDerivation:    Critical,
	KindLegacyFormat:     Recoverable,
	KindLoadLock:         Silent,
	KindNotFound:         Recoverable,
	KindPermission:       Recoverable,
	KindQuota:            Recoverable,
	KindRateLimited:      Recoverable,
	KindRemote:           Recoverable,
	KindStoreConnection:  Critical,
	KindWriteProtected:   Critical,
}

var kindTitle = map[Kind]string{
	KindAuth:             "Sign-in required",
	KindConflict:         "Unsynced local changes",
	KindDecryption:       "Decryption failed",
	KindIdentityMismatch: "Backup belongs to another identity",
	KindKeyDerivation:    "Key derivation failed",
	KindLegacyFormat:     "Unsupported backup format",
	KindLoadLock:         "Value not loaded",
	KindNotFound:         "Not found",
	KindPermission:       "Permission denied",
	KindQuota:            "Storage quota exceeded",
	KindRateLimited:      "Too many requests",
	KindRemote:           "Remote service error",
	KindStoreConnection:  "Local storage unavailable",
	KindWriteProtected:   "Archived data is read-only",
}

// Fault is a classified error
type Fault struct {
	Kind     Kind
	Severity Severity
	Title    string
	Message  string
	Err      error
}

// New creates a fault of the given kind with the default severity and title.
func New(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{
		Kind:     kind,
		Severity: SeverityOf(kind),
		Title:    kindTitle[kind],
		Message:  fmt.Sprintf(format, args...),
	}
}

// Wrap classifies err as kind, keeping it reachable through errors.Unwrap.
// A nil err yields nil. An err that already is a *Fault is returned as is.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return err
	}
	out := New(kind, format, args...)
	out.Err = err
	return out
}

// SeverityOf returns the default severity for a kind
func SeverityOf(kind Kind) Severity {
	if s, ok := kindSeverity[kind]; ok {
		return s
	}
	return Critical
}

// Error implements the error interface
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap returns the underlying error
func (f *Fault) Unwrap() error { return f.Err }

// Is matches faults by kind so that errors.Is(err, fault.New(kind, "")) works.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Kind == f.Kind
}

// KindOf returns the kind of the first fault in err's chain
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

// Is reports whether err carries a fault of the given kind
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// UserMessage returns the title/message pair to show for err.
// show is false for silent faults.
func UserMessage(err error) (title, message string, show bool) {
	if err == nil {
		return "", "", false
	}
	var f *Fault
	if !errors.As(err, &f) {
		return "Unexpected error", err.Error(), true
	}
	if f.Severity == Silent {
		return f.Title, f.Message, false
	}
	return f.Title, f.Message, true
}
