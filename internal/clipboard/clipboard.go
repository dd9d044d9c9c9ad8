// Package clipboard moves vault envelopes through the system clipboard.
package clipboard

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
)

// ErrEmpty is returned by Paste when the clipboard holds no text
var ErrEmpty = errors.New("clipboard is empty")

// Board is a text clipboard
type Board interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

type system struct{}

func (system) ReadAll() (string, error)   { return clipboard.ReadAll() }
func (system) WriteAll(text string) error { return clipboard.WriteAll(text) }

// System is the operating system clipboard
var System Board = system{}

// CopyWithTimeout copies text to b and clears it after timeout, unless the
// clipboard content changed in the meantime. A non-positive timeout keeps
// the text. The returned channel is closed once the clear has run.
func CopyWithTimeout(b Board, text string, timeout time.Duration) (<-chan struct{}, error) {
	if err := b.WriteAll(text); err != nil {
		return nil, fmt.Errorf("failed to copy to clipboard: %w", err)
	}

	done := make(chan struct{})
	if timeout <= 0 {
		close(done)
		return done, nil
	}
	go func() {
		defer close(done)
		time.Sleep(timeout)

		current, err := b.ReadAll()
		if err == nil && current == text {
			_ = b.WriteAll("")
		}
	}()

	return done, nil
}

// Paste returns the trimmed clipboard text
func Paste(b Board) (string, error) {
	text, err := b.ReadAll()
	if err != nil {
		return "", fmt.Errorf("failed to read clipboard: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}

// IsAvailable returns true if b can be read
func IsAvailable(b Board) bool {
	_, err := b.ReadAll()
	return err == nil
}

// Clear clears the clipboard
func Clear(b Board) error {
	return b.WriteAll("")
}
