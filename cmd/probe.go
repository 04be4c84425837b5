// Package cmd holds the auxiliary CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pvolkov/streamrelay/internal/ffmpeg"
)

// CreateProbeCmd builds the probe command, which validates a media file the
// same way the source catalog does before registering it.
func CreateProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <file>",
		Short: "Probe a media file for stream prerequisites",
		Long:  `Probe checks that a media file carries a video track with known dimensions and frame rate, the same validation applied when a source is added to the catalog.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := args[0]
			props, err := ffmpeg.NewFFProbe().Probe(context.Background(), path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s: %dx%d @ %g fps\n", path, props.Width, props.Height, props.FPS)
		},
	}
}
