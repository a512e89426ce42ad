// Package prompt provides the interactive terminal prompts of vired.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the user aborts a prompt (Ctrl+C).
var ErrAborted = errors.New("aborted")

// ErrPasswordMismatch indicates the confirmation did not match.
var ErrPasswordMismatch = errors.New("passwords do not match")

// IsAborted reports whether err means the user aborted.
func IsAborted(err error) bool {
	return errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) || errors.Is(err, ErrAborted)
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsAborted(err) {
		return ErrAborted
	}
	return err
}

// Confirm asks a yes/no question. An empty answer selects the default.
func Confirm(label string, defaultYes bool) (bool, error) {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}

	p := promptui.Prompt{
		Label:     fmt.Sprintf("%s [%s]", label, hint),
		IsConfirm: true,
	}
	result, err := p.Run()
	if err != nil {
		switch {
		case errors.Is(err, promptui.ErrInterrupt):
			return false, ErrAborted
		case errors.Is(err, promptui.ErrAbort):
			// promptui reports "n" and empty input as ErrAbort
			if result == "" {
				return defaultYes, nil
			}
			return false, nil
		}
		return false, err
	}

	answer := strings.ToLower(strings.TrimSpace(result))
	return answer == "y" || answer == "yes", nil
}

// ConfirmWithForce returns true without prompting when force is set.
func ConfirmWithForce(label string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	return Confirm(label, false)
}

// Password reads a masked value. validate may be nil.
func Password(label string, validate func(string) error) (string, error) {
	p := promptui.Prompt{
		Label:    label,
		Mask:     '*',
		Validate: validate,
	}
	result, err := p.Run()
	return result, wrapError(err)
}

// NewPassword reads a password twice and returns it when both entries
// match.
func NewPassword(validate func(string) error) (string, error) {
	password, err := Password("Password", validate)
	if err != nil {
		return "", err
	}
	confirm, err := Password("Confirm password", nil)
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", ErrPasswordMismatch
	}
	return password, nil
}
