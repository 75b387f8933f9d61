package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"videodup/internal/config"
	"videodup/internal/dedup"
	"videodup/internal/frames"
	"videodup/internal/heap"
	"videodup/internal/imgproc"
	"videodup/internal/index"
	"videodup/internal/repo"
	"videodup/internal/version"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "videodup",
	Short: "videodup - near-duplicate video detection",
	Long: `videodup maintains a persistent similarity index of perceptual frame
hashes and routes incoming videos: unique content is indexed, suspected
duplicates land in a review directory, and reference material (logos,
rating cards) is kept out via an ignore set.`,
	Version: version.Full(),
}

// runCmd processes videos against the index
var runCmd = &cobra.Command{
	Use:   "run [videos...]",
	Short: "Hash videos and deduplicate them against the index",
	Long: `Run the dedup pipeline. With no arguments, the configured source
directories are scanned for video files; explicit paths are processed
as given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Verbose = true
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runPipeline(ctx, cfg, args)
	},
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("videodup %s\n", version.Full())
		if version.BuildDate != "unknown" {
			fmt.Printf("Build date: %s\n", version.BuildDate)
		}
		fmt.Printf("Go version: %s\n", version.GoVersion)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(versionCmd)
}

func runPipeline(ctx context.Context, cfg *config.Config, args []string) error {
	videos, err := collectVideos(cfg, args)
	if err != nil {
		return err
	}
	if len(videos) == 0 {
		log.Printf("[Main] nothing to do: no videos found")
	}

	tree, closeTree, err := openTree(cfg)
	if err != nil {
		return err
	}
	defer closeTree()

	pre := imgproc.NewPreprocessor()
	pre.OneColorThreshold = cfg.Preproc.OneColorThreshold
	pre.OneColorTolerance = uint8(cfg.Preproc.OneColorTolerance)

	ignore, err := dedup.LoadIgnoreSet(cfg.IgnoreDir, pre)
	if err != nil {
		return fmt.Errorf("load ignore set: %w", err)
	}

	review, err := repo.Open(cfg.ReviewDir)
	if err != nil {
		return err
	}
	grave, err := repo.Open(cfg.GraveyardDir)
	if err != nil {
		return err
	}

	sampling := frames.DefaultSampling()
	if cfg.Sampling.MinFrames > 0 {
		sampling.MinFrames = cfg.Sampling.MinFrames
	}
	if cfg.Sampling.MaxStepSec > 0 {
		sampling.MaxStep = cfg.Sampling.MaxStep()
	}

	pipeline := &dedup.Pipeline{
		Index:    tree,
		Ignore:   ignore,
		Review:   review,
		Grave:    grave,
		Preproc:  pre,
		Sampling: sampling,
		Opts: dedup.Options{
			TauDup:       cfg.Dedup.TauDup,
			TauIgnore:    cfg.Dedup.TauIgnore,
			MinRunLength: cfg.Dedup.MinRunLength,
			MaxOffsetGap: cfg.Dedup.MaxOffsetGap(),
			MoveFraction: cfg.Dedup.MoveFraction,
			Workers:      cfg.Dedup.Workers,
		},
	}

	summary, err := pipeline.Run(ctx, videos)
	printSummary(summary)
	return err
}

func printSummary(s *dedup.Summary) {
	fmt.Printf("run %s: %s\n", s.RunID, s.Finished.Sub(s.Started).Round(time.Second))
	fmt.Printf("  processed: %d  skipped (indexed): %d  pruned: %d  failed: %d\n",
		s.Processed, s.SkippedIndexed, s.Reconciled, len(s.Failed))
	fmt.Printf("  frames: %d unique, %d duplicate, %d ignored, %d rejected, %d near-repeats\n",
		s.UniqueFrames, s.DuplicateFrames, s.IgnoredFrames, s.RejectedFrames, s.SimilarSkipped)
	fmt.Printf("  events: %d  moved to review: %d\n", s.Events, len(s.Moved))
	for _, v := range s.Moved {
		fmt.Printf("    moved: %s\n", v)
	}
	for v, msg := range s.Failed {
		fmt.Printf("    failed: %s: %s\n", v, msg)
	}
}

// collectVideos resolves the videos for a run: explicit arguments as
// given, otherwise a walk of the configured source directories.
func collectVideos(cfg *config.Config, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}

	var videos []string
	for _, dir := range cfg.SourceDirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && cfg.IsVideo(path) {
				videos = append(videos, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
	}
	sort.Strings(videos)
	return videos, nil
}

// openTree opens the configured index backend. The heap backend goes
// through recovery so an interrupted previous run rolls back first.
func openTree(cfg *config.Config) (*index.Tree, func() error, error) {
	switch cfg.Index.Backend {
	case "heap":
		h, err := heap.OpenRecover(cfg.Index.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open index %s: %w", cfg.Index.Path, err)
		}
		store := index.NewHeapStore(h)
		return index.New(store), store.Close, nil
	case "sqlite":
		store, err := index.NewSQLiteStore(cfg.Index.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open index %s: %w", cfg.Index.Path, err)
		}
		return index.New(store), store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}

func main() {
	log.SetFlags(log.LstdFlags)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
