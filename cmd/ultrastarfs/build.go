package main

import (
	"fmt"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/finnboeger/ultrastarfs/internal/cachebuild"
)

func newBuildCmd(log *logrus.Logger) *cobra.Command {
	var (
		outputPath     string
		includeAudio   bool
		noCoverDB      bool
		audioPrefixLen int
	)

	cmd := &cobra.Command{
		Use:   "build <root>",
		Short: "Scan a song library and write a cache archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := homedir.Expand(args[0])
			if err != nil {
				return fmt.Errorf("expanding root: %w", err)
			}
			archive, err := homedir.Expand(outputPath)
			if err != nil {
				return fmt.Errorf("expanding --output: %w", err)
			}

			cfg := cachebuild.Config{
				SourceRoot:         source,
				ArchivePath:        archive,
				AudioPrefixLen:     audioPrefixLen,
				IncludeAudioPrefix: includeAudio,
				IncludeImageDB:     !noCoverDB,
			}
			return cachebuild.Build(cfg, log)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "cache.zip", "path to write the cache archive to")
	cmd.Flags().BoolVarP(&includeAudio, "audio", "a", false, "cache a leading prefix of each audio file")
	cmd.Flags().BoolVarP(&noCoverDB, "no-coverdb", "s", false, "skip building the image-metadata database")
	cmd.Flags().IntVar(&audioPrefixLen, "audio-prefix", cachebuild.DefaultAudioPrefixLen, "bytes of each audio file to cache when -a is set")

	return cmd
}
