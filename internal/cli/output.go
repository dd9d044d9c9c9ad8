package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"text/tabwriter"
)

// MaxOutputSize is the maximum allowed size for output to prevent memory exhaustion
const MaxOutputSize = 10 * 1024 * 1024 // 10MB

// writeString writes a string to the writer with error checking and size limits
func writeString(w io.Writer, s string) error {
	if len(s) > MaxOutputSize {
		return fmt.Errorf("output size %d exceeds maximum allowed size %d",
			len(s), MaxOutputSize)
	}

	n, err := fmt.Fprint(w, s)
	if err != nil {
		return fmt.Errorf("failed to write output (wrote %d bytes): %w", n, err)
	}

	if f, ok := w.(interface{ Flush() error }); ok {
		if flushErr := f.Flush(); flushErr != nil {
			return fmt.Errorf("failed to flush output: %w", flushErr)
		}
	}

	return nil
}

// writeOutput is a helper function to write formatted output with error checking and size limits
func writeOutput(w io.Writer, format string, args ...interface{}) error {
	output := fmt.Sprintf(format, args...)
	return writeString(w, output)
}

// writeJSON writes v as indented JSON
func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON output: %w", err)
	}
	return nil
}

// writeTable writes tab separated rows through a tabwriter
func writeTable(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	writeRow := func(cells []string) error {
		for i, c := range cells {
			sep := "\t"
			if i == len(cells)-1 {
				sep = "\n"
			}
			if _, err := fmt.Fprint(tw, c+sep); err != nil {
				return err
			}
		}
		return nil
	}

	if err := writeRow(header); err != nil {
		return fmt.Errorf("failed to write table header: %w", err)
	}
	for _, row := range rows {
		if err := writeRow(row); err != nil {
			return fmt.Errorf("failed to write table row: %w", err)
		}
	}
	return tw.Flush()
}

// checkDeferredErr checks and logs errors from deferred function calls.
// It's designed to be used with named return values in functions.
func checkDeferredErr(err *error, op string, cerr error) {
	if cerr == nil {
		return
	}
	if isDebugEnabled() {
		log.Printf("DEBUG: error in deferred %s: %+v", op, cerr)
	} else {
		log.Printf("Warning: error in deferred %s: %v", op, cerr)
	}

	// Only override the error if it's not already set
	if *err == nil {
		*err = fmt.Errorf("%s: %w", op, cerr)
	}
}

// isDebugEnabled checks if debug mode is enabled via environment variable
func isDebugEnabled() bool {
	dbg, _ := strconv.ParseBool(os.Getenv("LEDGERSYNC_DEBUG"))
	return dbg
}
