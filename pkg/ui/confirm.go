package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/tcnksm/go-input"
)

// Confirmer asks yes/no questions on the terminal.
type Confirmer struct {
	assumeYes bool
	open      func() (io.ReadWriteCloser, error)
}

func NewConfirmer(assumeYes bool) *Confirmer {
	return &Confirmer{assumeYes: assumeYes, open: OpenTTY}
}

// Confirm returns true without asking when the confirmer was built with
// assumeYes.
func (c *Confirmer) Confirm(question string) (bool, error) {
	if c.assumeYes {
		return true, nil
	}
	tty, err := c.open()
	if err != nil {
		return false, errors.Wrap(err, "could not open terminal for confirmation")
	}
	defer func() {
		_ = tty.Close()
	}()
	return Ask(tty, tty, question)
}

// Ask reads a y/n answer from r, looping until it gets one. The default is no.
func Ask(r io.Reader, w io.Writer, question string) (bool, error) {
	ui := &input.UI{
		Writer: w,
		Reader: r,
	}

	answer, err := ui.Ask(question+" [y/N]", &input.Options{
		Default:     "n",
		HideDefault: true,
		Required:    true,
		Loop:        true,
		ValidateFunc: func(answer string) error {
			switch strings.ToLower(answer) {
			case "y", "yes", "n", "no":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "could not read answer")
	}

	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
