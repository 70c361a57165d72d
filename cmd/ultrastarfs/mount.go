package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/finnboeger/ultrastarfs/internal/overlayfs"
)

// videoDisableMarker is written next to the cache archive when -d is passed.
// Nothing in this package reads it back: the flag's only spec'd effect is
// being recorded for whatever downstream consumer looks for the marker
// (e.g. a media player deciding whether to probe for video streams).
const videoDisableMarker = ".novideo"

func newMountCmd(log *logrus.Logger) *cobra.Command {
	var (
		cachePath    string
		importDBPath string
		disableVideo bool
		debugFuse    bool
	)

	cmd := &cobra.Command{
		Use:   "mount <source> <target>",
		Short: "Mount a cache archive as a read-accelerating overlay",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := homedir.Expand(args[0])
			if err != nil {
				return fmt.Errorf("expanding source: %w", err)
			}
			mount, err := homedir.Expand(args[1])
			if err != nil {
				return fmt.Errorf("expanding target: %w", err)
			}
			archive, err := homedir.Expand(cachePath)
			if err != nil {
				return fmt.Errorf("expanding --cache: %w", err)
			}
			var importDB string
			if importDBPath != "" {
				importDB, err = homedir.Expand(importDBPath)
				if err != nil {
					return fmt.Errorf("expanding --import-db: %w", err)
				}
			}

			if disableVideo {
				marker := filepath.Join(filepath.Dir(archive), videoDisableMarker)
				if err := os.WriteFile(marker, []byte(mount+"\n"), 0644); err != nil {
					log.WithError(err).Warn("failed to write video-disable marker")
				}
			}

			overlay, err := overlayfs.New(overlayfs.Options{
				SourceRoot:   source,
				ArchivePath:  archive,
				Log:          log,
				ImportDBPath: importDB,
			})
			if err != nil {
				return fmt.Errorf("opening cache archive: %w", err)
			}
			defer overlay.Close()

			nfs := pathfs.NewPathNodeFs(overlay, nil)
			conn := nodefs.NewFileSystemConnector(nfs.Root(), nil)
			server, err := fuse.NewServer(conn.RawFS(), mount, &fuse.MountOptions{
				Name:   "ultrastarfs",
				FsName: source,
				Debug:  debugFuse,
			})
			if err != nil {
				return fmt.Errorf("mounting at %s: %w", mount, err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("received shutdown signal, unmounting")
				server.Unmount()
			}()

			log.WithFields(logrus.Fields{
				"source": source,
				"mount":  mount,
			}).Info("serving")
			server.Serve()
			return nil
		},
	}

	cmd.Flags().StringVarP(&cachePath, "cache", "c", "cache.zip", "path to the cache archive built with \"build\"")
	cmd.Flags().StringVarP(&importDBPath, "import-db", "i", "", "import the archive's image-metadata database into this destination path")
	cmd.Flags().BoolVarP(&disableVideo, "disable-video", "d", false, "record a video-disable marker alongside the cache archive")
	cmd.Flags().BoolVar(&debugFuse, "debug-fuse", false, "log every FUSE request/response")

	return cmd
}
