package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/session"
	"github.com/go-go-golems/confab/pkg/ui"
)

const prompt = "> "

const chatHelp = `Commands:
  /cancel                 cancel the running reply
  /new                    start a new conversation
  /load <id>              switch to a saved conversation
  /list                   list saved conversations
  /model <provider> <m>   switch provider and model
  /rename <title>         rename the conversation
  /attach <path|url>      attach a file
  /detach <n>             remove attachment n
  /clear                  clear the transcript
  /export <path>          export to .json, .yaml or .md
  /quit                   leave
Anything else is sent to the model.
`

func NewChatCommand() *cobra.Command {
	var (
		providerID     string
		modelID        string
		noStream       bool
		conversationID string
		assumeYes      bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var options []session.ManagerOption
			if noStream {
				options = append(options, session.WithoutStreaming())
			}
			app, err := NewApp(options...)
			if err != nil {
				return err
			}

			return app.Run(cmd.Context(), func(ctx context.Context) error {
				mgr := app.Manager
				if conversationID != "" {
					if _, err := mgr.LoadConversation(ctx, conversationID); err != nil {
						return err
					}
				}
				if providerID != "" || modelID != "" {
					c := mgr.Active()
					sel := c.Settings.Selection()
					if providerID != "" {
						sel.ProviderID = providerID
					}
					if modelID != "" {
						sel.ModelID = modelID
					}
					if err := mgr.SelectProvider(sel.ProviderID, sel.ModelID); err != nil {
						return err
					}
				}

				r := &repl{
					mgr:        mgr,
					printer:    app.Printer,
					confirm:    ui.NewConfirmer(assumeYes).Confirm,
					sequential: !isatty.IsTerminal(os.Stdin.Fd()),
				}
				return r.run(ctx, os.Stdin)
			})
		},
	}

	cmd.Flags().StringVar(&providerID, "provider", "", "Provider of the conversation")
	cmd.Flags().StringVar(&modelID, "model", "", "Model of the conversation")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for complete replies instead of streaming")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Continue a saved conversation")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask for confirmation")

	return cmd
}

type repl struct {
	mgr     *session.Manager
	printer *ui.Printer
	confirm func(question string) (bool, error)
	// sequential waits for every reply before reading the next line, for piped input
	sequential bool
}

// run reads lines from in until EOF, /quit or an interrupt while idle. An
// interrupt during an exchange cancels it.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	c := r.mgr.Active()
	r.printer.SetPrompt(prompt)
	r.printer.Printf("%s (%s/%s), /help for commands\n", c.Title, c.Settings.ProviderID, c.Settings.ModelID)
	r.printer.Prompt()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-interrupts:
			if r.mgr.ActiveSession().Busy() {
				_ = r.mgr.Cancel()
				continue
			}
			r.printer.Printf("\n")
			return nil

		case err := <-readErr:
			// wait for the last reply before leaving
			_, _ = r.mgr.Wait()
			return errors.Wrap(err, "could not read input")

		case line := <-lines:
			quit, err := r.handle(ctx, line)
			if err != nil {
				r.printer.Printf("error: %s\n", err)
			}
			if quit {
				_ = r.mgr.Cancel()
				_, _ = r.mgr.Wait()
				return nil
			}
			// a running exchange prints the prompt when it settles
			busy := r.mgr.ActiveSession().Busy()
			if r.sequential {
				_, _ = r.mgr.Wait()
			}
			if !busy {
				r.printer.Prompt()
			}
		}
	}
}

// handle runs one line of input. It returns true when the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := r.mgr.Submit(ctx, line)
		return false, err
	}

	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	mgr := r.mgr

	switch command {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		r.printer.Printf("%s", chatHelp)

	case "/cancel":
		return false, mgr.Cancel()

	case "/new":
		c, err := mgr.NewConversation()
		if err != nil {
			return false, err
		}
		r.printer.Printf("new conversation (%s/%s)\n", c.Settings.ProviderID, c.Settings.ModelID)

	case "/load":
		if rest == "" {
			return false, errors.New("usage: /load <id>")
		}
		c, err := mgr.LoadConversation(ctx, rest)
		if err != nil {
			return false, err
		}
		r.printer.Printf("%s", renderTranscript(c))

	case "/list":
		list, err := mgr.ListConversations(ctx)
		if err != nil {
			return false, err
		}
		for _, s := range list {
			r.printer.Printf("%s\t%s\n", s.ID, s.Title)
		}

	case "/model":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return false, errors.Errorf("usage: /model <provider> <model>, providers: %s",
				strings.Join(mgr.Providers(), ", "))
		}
		return false, mgr.SelectProvider(fields[0], fields[1])

	case "/rename":
		return false, mgr.RenameConversation(ctx, "", rest)

	case "/attach":
		if rest == "" {
			return false, errors.New("usage: /attach <path|url>")
		}
		att, err := conversation.NewAttachmentFromFile(rest)
		if err != nil {
			return false, err
		}
		idx := mgr.AddAttachment(*att)
		r.printer.Printf("attached %s as %d\n", att, idx)

	case "/detach":
		idx, err := strconv.Atoi(rest)
		if err != nil {
			return false, errors.Errorf("usage: /detach <n>")
		}
		att, err := mgr.RemoveAttachment(idx)
		if err != nil {
			return false, err
		}
		r.printer.Printf("removed %s\n", att.Name)

	case "/clear":
		ok, err := r.confirm("Clear the conversation?")
		if err != nil || !ok {
			return false, err
		}
		return false, mgr.ClearConversation(ctx)

	case "/export":
		if rest == "" {
			return false, errors.New("usage: /export <path>")
		}
		format, err := conversation.ParseFormat(strings.TrimPrefix(filepath.Ext(rest), "."))
		if err != nil {
			return false, err
		}
		if err := writeSnapshotFile(rest, mgr.ExportConversation(), format); err != nil {
			return false, err
		}
		r.printer.Printf("exported to %s\n", rest)

	default:
		return false, errors.Errorf("unknown command %s, /help for commands", command)
	}

	log.Debug().Str("command", command).Msg("Ran chat command")
	return false, nil
}

func renderTranscript(c *conversation.Conversation) string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "# %s\n", c.Title)
	for _, m := range c.Messages {
		_, _ = fmt.Fprintln(&b, m.View())
	}
	return b.String()
}
