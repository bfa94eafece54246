package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/convergefs/fspromise/pkg/attributes"
	"github.com/convergefs/fspromise/pkg/copyengine"
	"github.com/convergefs/fspromise/pkg/dispatch"
	"github.com/convergefs/fspromise/pkg/filesystem"
	"github.com/convergefs/fspromise/pkg/linkmap"
	"github.com/convergefs/fspromise/pkg/logging"
	"github.com/convergefs/fspromise/pkg/promise"
	"github.com/convergefs/fspromise/pkg/store"
	"github.com/convergefs/fspromise/pkg/traversal"
)

// convergeConfiguration holds the flags accepted by convergeCommand.
var convergeConfiguration struct {
	statePath string
	lockDir   string
	dryRun    bool
	verbose   bool
}

var convergeCommand = &cobra.Command{
	Use:   "converge <promise-file> <target-path>",
	Short: "Evaluate a promise file against a target path and converge it",
	Args:  cobra.ExactArgs(2),
	RunE:  runConverge,
}

func init() {
	flags := convergeCommand.Flags()
	flags.StringVar(&convergeConfiguration.statePath, "state", defaultStatePath(), "Path to the persistent hash/stat database")
	flags.StringVar(&convergeConfiguration.lockDir, "lock-dir", defaultLockDir(), "Directory used for per-promise locks")
	flags.BoolVar(&convergeConfiguration.dryRun, "dry-run", false, "Report what would change without modifying the target")
	flags.BoolVar(&convergeConfiguration.verbose, "verbose", false, "Emit debug-level logging")
}

func defaultStatePath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "fspromise", "state.db")
	}
	return "fspromise-state.db"
}

func defaultLockDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "fspromise", "locks")
	}
	return "fspromise-locks"
}

func runConverge(_ *cobra.Command, args []string) error {
	promiseFilePath, targetPath := args[0], args[1]

	logging.DebugEnabled = convergeConfiguration.verbose
	logger := logging.RootLogger.Sublogger("converge")

	data, err := os.ReadFile(promiseFilePath)
	if err != nil {
		fatal(fmt.Errorf("unable to read promise file: %w", err))
	}
	p, err := promise.ParseDocument(data)
	if err != nil {
		fatal(fmt.Errorf("unable to parse promise file: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(convergeConfiguration.statePath), 0700); err != nil {
		fatal(fmt.Errorf("unable to create state directory: %w", err))
	}
	db, err := store.Open(convergeConfiguration.statePath)
	if err != nil {
		fatal(fmt.Errorf("unable to open state database: %w", err))
	}
	defer db.Close()

	targetPath, err = filesystem.NormalizePromiserPath(targetPath)
	if err != nil {
		fatal(fmt.Errorf("invalid target path: %w", err))
	}
	targetParent, leafName := filesystem.SplitParentAndName(targetPath)

	baseDir, err := filesystem.OpenDirectoryByPath(targetParent)
	if err != nil {
		fatal(fmt.Errorf("unable to open target's parent directory: %w", err))
	}
	defer baseDir.Close()

	state := dispatch.NewAgentState(time.Now().Unix())
	state.DryRun = convergeConfiguration.dryRun

	reconciler := &attributes.Reconciler{
		Logger:    logger,
		Watchlist: state.SetuidWatchlist(),
		Stats:     db,
		DryRun:    convergeConfiguration.dryRun,
	}

	dispatcher := &dispatch.Dispatcher{
		Logger:     logger,
		State:      state,
		LockDir:    convergeConfiguration.lockDir,
		Reconciler: reconciler,
	}

	var results []promise.Result

	if p.Attributes.Copy.Source != "" {
		sourcePath, err := filesystem.NormalizePromiserPath(p.Attributes.Copy.Source)
		if err != nil {
			fatal(fmt.Errorf("invalid copy source path: %w", err))
		}
		sourceParent, sourceLeaf := filesystem.SplitParentAndName(sourcePath)
		sourceDir, err := filesystem.OpenDirectoryByPath(sourceParent)
		if err != nil {
			fatal(fmt.Errorf("unable to open copy source's parent directory: %w", err))
		}
		sourceMeta, err := sourceDir.ReadContentMetadata(sourceLeaf)
		sourceDir.Close()
		if err != nil {
			fatal(fmt.Errorf("unable to stat copy source: %w", err))
		}

		engine := &copyengine.Engine{
			Logger:     logger,
			InodeMap:   linkmap.New(),
			SingleCopy: state,
			DryRun:     convergeConfiguration.dryRun,
			StartTime:  state.StartTime,
		}
		outcome, message, err := engine.CopyOne(
			sourcePath, sourceMeta, baseDir, leafName, targetPath, p.Attributes,
		)
		if err != nil {
			fatal(fmt.Errorf("copy failed: %w", err))
		}
		results = append(results, promise.NewResult(p.Promiser, outcome, message, p.Comment))
	}

	metadata, err := baseDir.ReadContentMetadata(leafName)
	if err != nil {
		fatal(fmt.Errorf("unable to stat target: %w", err))
	}

	if metadata.IsDirectory() {
		targetDir, err := baseDir.OpenDirectory(leafName)
		if err != nil {
			fatal(fmt.Errorf("unable to open target directory: %w", err))
		}
		defer targetDir.Close()

		walker := &traversal.Walker{
			Logger:       logger,
			Recursion:    p.Attributes.Recursion,
			EffectiveUID: os.Geteuid(),
			Visit: func(parent *filesystem.Directory, name string, meta *filesystem.Metadata, entryPath string) (promise.Outcome, string, error) {
				result := dispatcher.Dispatch(p, parent, name, entryPath == targetPath)
				return result.Outcome, result.Message, nil
			},
		}
		walkResults, err := walker.Walk(targetDir, targetPath)
		if err != nil {
			fatal(fmt.Errorf("traversal aborted: %w", err))
		}
		results = append(results, walkResults...)
	} else {
		result := dispatcher.Dispatch(p, baseDir, leafName, true)
		results = append(results, result)
	}

	reportResults(results, metadata.Size)
	return nil
}

func reportResults(results []promise.Result, totalBytes uint64) {
	var changed int
	for _, result := range results {
		switch result.Outcome {
		case promise.Noop:
			continue
		case promise.Warn:
			warning(fmt.Sprintf("%s: %s", result.Promiser, result.Message))
		case promise.Fail, promise.Denied:
			fmt.Fprintf(os.Stderr, "%s: %s: %s\n", result.Outcome, result.Promiser, result.Message)
		default:
			fmt.Printf("%s: %s: %s\n", result.Outcome, result.Promiser, result.Message)
			changed++
		}
	}
	if changed > 0 {
		fmt.Printf("%d promiser(s) converged (%s)\n", changed, humanize.Bytes(totalBytes))
	}
}
