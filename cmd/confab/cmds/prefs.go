package cmds

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/confab/pkg/helpers"
	"github.com/go-go-golems/confab/pkg/preferences"
)

func NewPrefsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Show and change user preferences",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the merged preferences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return printPreferences(app.Prefs)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set key=value...",
		Short: "Change preferences (theme, font-size, model, provider, streaming)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			assignments, err := helpers.ParseAssignments(args)
			if err != nil {
				return err
			}
			patch, err := preferences.PatchFromAssignments(assignments)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				if _, err := app.Manager.UpdatePreferences(ctx, patch); err != nil {
					return err
				}
				// the remote push finishes before the app shuts down
				if err := app.Prefs.Flush(); err != nil {
					return err
				}
				return printPreferences(app.Prefs)
			})
		},
	})

	return cmd
}

type preferencesView struct {
	preferences.Preferences `yaml:",inline"`
	EffectiveTheme          preferences.Theme `yaml:"effectiveTheme"`
}

func printPreferences(s *preferences.Synchronizer) error {
	enc := yaml.NewEncoder(os.Stdout)
	defer func() {
		_ = enc.Close()
	}()
	return enc.Encode(preferencesView{
		Preferences:    s.Current(),
		EffectiveTheme: s.EffectiveTheme(),
	})
}
