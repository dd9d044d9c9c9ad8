package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// PromptInput prompts for one line of input
func PromptInput(in io.Reader, out io.Writer, prompt string) (string, error) {
	if err := writeString(out, prompt); err != nil {
		return "", err
	}

	reader := bufio.NewReader(in)
	input, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read input: %w", err)
	}

	return strings.TrimSpace(input), nil
}

// PromptConfirm prompts for yes/no confirmation
func PromptConfirm(in io.Reader, out io.Writer, prompt string, defaultYes bool) (bool, error) {
	var suffix string
	if defaultYes {
		suffix = " [Y/n]: "
	} else {
		suffix = " [y/N]: "
	}

	input, err := PromptInput(in, out, prompt+suffix)
	if err != nil {
		return false, err
	}

	input = strings.ToLower(input)

	if input == "" {
		return defaultYes, nil
	}

	return input == "y" || input == "yes", nil
}

// confirm asks on the command's streams unless assumeYes is set
func confirm(cmd *cobra.Command, assumeYes bool, prompt string) (bool, error) {
	if assumeYes {
		return true, nil
	}
	return PromptConfirm(cmd.InOrStdin(), cmd.ErrOrStderr(), prompt, false)
}
