package main

import (
	"os"

	"github.com/spf13/cobra"

	"voicegate/internal/tts"
)

func newSpeakCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "speak <text>",
		Short: "synthesize text into an mp3 file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts, os.Stderr)
			if err != nil {
				return err
			}

			text := tts.Truncate(args[0], a.cfg.TTS.MaxChars)
			audio, err := a.tts.Synthesize(cmd.Context(), text)
			if err != nil {
				printError("synthesis failed: %v", err)
				return err
			}
			if err := os.WriteFile(output, audio, 0o644); err != nil {
				printError("failed to write %s: %v", output, err)
				return err
			}

			printSuccess("wrote %d bytes to %s", len(audio), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "speech.mp3", "output mp3 file")
	return cmd
}
