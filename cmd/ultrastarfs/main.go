// Command ultrastarfs builds cache archives and mounts them as a
// read-accelerating overlay over a karaoke song library.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	log := logrus.New()

	root := &cobra.Command{
		Use:   "ultrastarfs",
		Short: "Build and mount a read-accelerating cache overlay for a song library",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newBuildCmd(log))
	root.AddCommand(newMountCmd(log))
	return root
}
