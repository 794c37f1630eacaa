package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/confab/pkg/events"
	"github.com/go-go-golems/confab/pkg/provider"
	"github.com/go-go-golems/confab/pkg/session"
)

// Printer writes streamed fragments, settle markers and notifications to a
// terminal. All output goes through one lock so fragments and prompts do not
// interleave mid-line.
type Printer struct {
	mu    sync.Mutex
	out   io.Writer
	errs  io.Writer
	open   bool
	color  bool
	prompt string
}

var _ session.Observer = (*Printer)(nil)

func NewPrinter(out io.Writer, errs io.Writer, color bool) *Printer {
	return &Printer{out: out, errs: errs, color: color}
}

func (p *Printer) OnFragment(_ string, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = true
	_, _ = io.WriteString(p.out, text)
}

func (p *Printer) OnSettled(_ string, outcome session.Outcome, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
	switch outcome {
	case session.OutcomeCancelled:
		_, _ = fmt.Fprintln(p.out, p.paint(yellow, "[cancelled]"))
	case session.OutcomeFailed:
		msg := "request failed"
		if err != nil {
			msg = provider.UserMessage(err)
		}
		_, _ = fmt.Fprintln(p.out, p.paint(red, "[error] "+msg))
	case session.OutcomeSuccess, session.OutcomeNone:
	}
	_, _ = io.WriteString(p.out, p.prompt)
}

// SetPrompt sets the prompt printed after every settled exchange.
func (p *Printer) SetPrompt(prompt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompt = prompt
}

func (p *Printer) Prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
	_, _ = io.WriteString(p.out, p.prompt)
}

// Printf writes a line of REPL output, closing any open fragment line first.
func (p *Printer) Printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// Notify prints a notification on the error writer. It has the signature of an
// events.NotificationHandler callback.
func (p *Printer) Notify(_ context.Context, n events.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
	c := ""
	switch n.Level {
	case events.LevelError:
		c = red
	case events.LevelWarning:
		c = yellow
	case events.LevelSuccess:
		c = green
	case events.LevelInfo:
	}
	_, _ = fmt.Fprintln(p.errs, p.paint(c, fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Level)), n.Message)))
	return nil
}

func (p *Printer) endLine() {
	if p.open {
		_, _ = io.WriteString(p.out, "\n")
		p.open = false
	}
}

const (
	red    = "\x1b[31m"
	yellow = "\x1b[33m"
	green  = "\x1b[32m"
	reset  = "\x1b[0m"
)

func (p *Printer) paint(c string, s string) string {
	if !p.color || c == "" {
		return s
	}
	return c + s + reset
}
