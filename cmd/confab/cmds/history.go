package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/confab/pkg/conversation"
	"github.com/go-go-golems/confab/pkg/store"
	"github.com/go-go-golems/confab/pkg/ui"
)

func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Manage saved conversations",
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryRenameCommand())
	cmd.AddCommand(newHistoryDeleteCommand())

	return cmd
}

// withApp runs fn inside a started App.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	app, err := NewApp()
	if err != nil {
		return err
	}
	return app.Run(cmd.Context(), func(ctx context.Context) error {
		return fn(ctx, app)
	})
}

func newHistoryListCommand() *cobra.Command {
	var (
		title  string
		output string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				list, err := app.Manager.ListConversations(ctx)
				if err != nil {
					return err
				}
				list, err = store.Filter(list, title)
				if err != nil {
					return err
				}
				return printSummaries(os.Stdout, list, output)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Only list titles matching this glob")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json or yaml")
	return cmd
}

func printSummaries(w io.Writer, list []conversation.Summary, output string) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(list), "could not encode history")
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer func() {
			_ = enc.Close()
		}()
		return errors.Wrap(enc.Encode(list), "could not encode history")
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tTITLE\tMESSAGES\tUPDATED")
		for _, s := range list {
			updated := ""
			if !s.UpdatedAt.IsZero() {
				updated = s.UpdatedAt.Local().Format(time.DateTime)
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Title, s.MessageCount, updated)
		}
		return tw.Flush()
	default:
		return errors.Errorf("unknown output format %q", output)
	}
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				c, err := app.Store.Load(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = io.WriteString(os.Stdout, renderTranscript(c))
				return err
			})
		},
	}
}

func newHistoryRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a saved conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.Manager.RenameConversation(ctx, args[0], args[1])
			})
		},
	}
}

func newHistoryDeleteCommand() *cobra.Command {
	var assumeYes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := ui.NewConfirmer(assumeYes).Confirm(fmt.Sprintf("Delete conversation %s?", args[0]))
			if err != nil || !ok {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.Manager.DeleteConversation(ctx, args[0])
			})
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}
