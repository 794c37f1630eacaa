package cmds

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/confab/pkg/conversation"
)

func NewExportCommand() *cobra.Command {
	var (
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := conversation.ParseFormat(format)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				c, err := app.Manager.LoadConversation(ctx, args[0])
				if err != nil {
					return err
				}
				snap := conversation.NewSnapshot(c)
				if out == "" || out == "-" {
					return conversation.WriteSnapshot(os.Stdout, snap, f)
				}
				if err := writeSnapshotFile(out, snap, f); err != nil {
					return err
				}
				app.Printer.Printf("exported %s to %s\n", c.Title, out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Export format: json, yaml or markdown")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}

func NewImportCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Import an exported conversation and save it as a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = strings.TrimPrefix(filepath.Ext(args[0]), ".")
			}
			f, err := conversation.ParseFormat(format)
			if err != nil {
				return err
			}
			snap, err := readSnapshotFile(args[0], f)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				c, err := app.Manager.ImportConversation(ctx, snap)
				if err != nil {
					return err
				}
				s := app.Manager.ActiveSession()
				if err := s.Save(ctx); err != nil {
					return err
				}
				app.Printer.Printf("imported %s as %s\n", c.Title, s.Conversation().ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "Input format: json or yaml (default from the extension)")
	return cmd
}

// writeSnapshotFile writes to a temporary file first, so a failed export does
// not leave a truncated file behind.
func writeSnapshotFile(path string, snap *conversation.Snapshot, format conversation.Format) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "could not create export file")
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if err := conversation.WriteSnapshot(tmp, snap, format); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "could not write export file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "could not write export file")
}

func readSnapshotFile(path string, format conversation.Format) (*conversation.Snapshot, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "could not open import file")
		}
		defer func() {
			_ = f.Close()
		}()
		r = f
	}
	snap, err := conversation.ReadSnapshot(r, format)
	if err != nil {
		return nil, errors.Wrapf(err, "could not import %s", path)
	}
	return snap, nil
}
