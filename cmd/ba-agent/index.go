package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"baagent/internal/embedding"
	"baagent/internal/memindex"
)

func newIndexCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "index <path>...",
		Short: "Index files or directories into the memory index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			engine, err := embedding.NewEngine(cfg.Embedding)
			if err != nil {
				return err
			}
			indexDir := cfg.Memory.IndexRotation.IndexDir
			if indexDir == "" {
				indexDir = filepath.Join(cfg.FileStore.BaseDir, "memory", ".index")
			}
			index, err := memindex.Open(indexDir, cfg.Memory.IndexRotation, cfg.Memory.Search, engine)
			if err != nil {
				return err
			}
			defer index.Close()

			files, chunks := 0, 0
			for _, root := range args {
				err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
					if err != nil {
						return err
					}
					if d.IsDir() {
						if strings.HasPrefix(d.Name(), ".") && path != root {
							return filepath.SkipDir
						}
						return nil
					}
					res, err := index.IndexFile(cmd.Context(), path, source)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "skip %s: %v\n", path, err)
						return nil
					}
					if res.Updated {
						files++
						chunks += res.ChunksAdded
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d file(s), %d chunk(s)\n", files, chunks)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "watched", "source label for indexed files")
	return cmd
}
