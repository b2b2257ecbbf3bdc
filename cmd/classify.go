package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/flounder/internal/link"
	"github.com/JakeFAU/flounder/internal/server"
)

func newClassifyCmd() *cobra.Command {
	var note, sharedBy string

	cmd := &cobra.Command{
		Use:   "classify <url>",
		Short: "Classify and save a single link",
		Long: `Runs one link through the configured pipeline (fetch, classify, save) and
prints the classification as JSON.`,
		Example: `  flounder classify https://go.dev/blog --note "for the team" --shared-by Ana`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() {
				if cerr := app.Close(cmd.Context()); cerr != nil {
					rt.logger.Warn("close application failed", zap.Error(cerr))
				}
			}()

			sender := strings.TrimSpace(sharedBy)
			if sender == "" {
				sender = link.AnonymousSender
			}
			cls, err := app.Pipeline().ProcessOne(cmd.Context(), link.Event{
				URL:        strings.TrimSpace(args[0]),
				SenderName: sender,
				RawText:    strings.TrimSpace(note),
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cls)
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "note attached to the link")
	cmd.Flags().StringVar(&sharedBy, "shared-by", link.AnonymousSender, "name recorded as the sharer")
	return cmd
}
