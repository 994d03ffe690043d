package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"voicegate/internal/llm"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "stream an answer from the LLM provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts, os.Stderr)
			if err != nil {
				return err
			}

			sel, err := a.selector.Resolve(provider)
			if err != nil {
				printError("%v, available: %v", err, a.selector.Names())
				return err
			}
			printInfo("provider %s", sel.Name)

			out := cmd.OutOrStdout()
			for chunk := range sel.Provider.Stream(cmd.Context(), llm.ChatRequest{Message: args[0]}) {
				if chunk.Err != nil {
					fmt.Fprintln(out)
					printError("generation failed: %v", chunk.Err)
					return chunk.Err
				}
				if chunk.Text != "" {
					fmt.Fprint(out, chunk.Text)
				}
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "override provider (volcano, feishu_aily)")
	return cmd
}
