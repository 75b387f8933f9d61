package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"videodup/internal/config"
	"videodup/internal/index"
)

// editCmd groups the index maintenance commands.
var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Inspect and edit the similarity index",
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(func(tree *index.Tree) error {
			nodes, entries, err := tree.Count()
			if err != nil {
				return err
			}
			videos, err := tree.Videos()
			if err != nil {
				return err
			}
			fmt.Printf("nodes:   %d\n", nodes)
			fmt.Printf("entries: %d\n", entries)
			fmt.Printf("videos:  %d\n", len(videos))
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every indexed entry, sorted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(func(tree *index.Tree) error {
			return tree.Export(os.Stdout)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the index to a text file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(func(tree *index.Tree) error {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := tree.Export(f); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load exported entries into the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(func(tree *index.Tree) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if err := tree.Store().Begin(); err != nil {
				return err
			}
			n, err := index.Import(f, tree)
			if err != nil {
				return err
			}
			if err := tree.Store().Commit(); err != nil {
				return err
			}
			fmt.Printf("imported %d entries\n", n)
			return nil
		})
	},
}

var evictCount int

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Remove randomly chosen videos from the index",
	Long: `Remove all entries of n randomly chosen videos. Useful for thinning
an index that has grown past its usefulness without rebuilding it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(func(tree *index.Tree) error {
			if err := tree.Store().Begin(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			evicted, err := tree.EvictRandom(evictCount, rng)
			if err != nil {
				return err
			}
			if err := tree.Store().Commit(); err != nil {
				return err
			}
			for _, v := range evicted {
				fmt.Printf("evicted %s\n", v)
			}
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <video>",
	Short: "Remove all entries of one video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTree(func(tree *index.Tree) error {
			if err := tree.Store().Begin(); err != nil {
				return err
			}
			n, err := tree.DeleteVideo(args[0])
			if err != nil {
				return err
			}
			if err := tree.Store().Commit(); err != nil {
				return err
			}
			fmt.Printf("deleted %d entries of %s\n", n, args[0])
			return nil
		})
	},
}

func init() {
	evictCmd.Flags().IntVarP(&evictCount, "count", "n", 1, "number of videos to evict")

	editCmd.AddCommand(statsCmd)
	editCmd.AddCommand(listCmd)
	editCmd.AddCommand(exportCmd)
	editCmd.AddCommand(importCmd)
	editCmd.AddCommand(evictCmd)
	editCmd.AddCommand(deleteCmd)
}

// withTree opens the configured index, runs fn, and closes it.
func withTree(fn func(*index.Tree) error) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	tree, closeTree, err := openTree(cfg)
	if err != nil {
		return err
	}
	defer closeTree()
	return fn(tree)
}
