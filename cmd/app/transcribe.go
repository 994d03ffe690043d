package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"voicegate/internal/asr"
)

func newTranscribeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "transcribe <audio-url>",
		Short: "recognize speech from a publicly reachable audio URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts, os.Stderr)
			if err != nil {
				return err
			}

			format, codec := asr.FormatFor(args[0])
			printInfo("submitting %s (%s/%s)", args[0], format, codec)

			result, err := a.asr.Recognize(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, asr.ErrTimeout) {
					printError("recognition timed out after %s", a.cfg.ASR.MaxWait)
				} else {
					printError("recognition failed: %v", err)
				}
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), result.Text)
			printSuccess("done, log id %s", result.LogID)
			return nil
		},
	}
}
