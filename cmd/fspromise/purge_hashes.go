package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convergefs/fspromise/pkg/hash"
	"github.com/convergefs/fspromise/pkg/store"
)

var purgeHashesConfiguration struct {
	statePath string
	all       bool
	dryRun    bool
	statsToo  bool
}

var purgeHashesCommand = &cobra.Command{
	Use:   "purge-hashes",
	Short: "Remove stale content digests (or, with --all, every digest) from the state database",
	Args:  cobra.NoArgs,
	RunE:  runPurgeHashes,
}

func init() {
	flags := purgeHashesCommand.Flags()
	flags.StringVar(&purgeHashesConfiguration.statePath, "state", defaultStatePath(), "Path to the persistent hash/stat database")
	flags.BoolVar(&purgeHashesConfiguration.all, "all", false, "Discard every recorded digest regardless of whether its path still exists")
	flags.BoolVar(&purgeHashesConfiguration.dryRun, "dry-run", false, "Report stale entries without deleting them")
	flags.BoolVar(&purgeHashesConfiguration.statsToo, "stats-too", false, "Also discard every recorded stat snapshot used for change detection")
}

func runPurgeHashes(_ *cobra.Command, _ []string) error {
	db, err := store.Open(purgeHashesConfiguration.statePath)
	if err != nil {
		fatal(fmt.Errorf("unable to open state database: %w", err))
	}
	defer db.Close()

	if purgeHashesConfiguration.all {
		if err := db.PurgeHashes(); err != nil {
			fatal(fmt.Errorf("unable to purge hashes: %w", err))
		}
		fmt.Println("purged all recorded content digests")
	} else {
		stale, err := hash.PurgeHashes(db, !purgeHashesConfiguration.dryRun)
		if err != nil {
			fatal(fmt.Errorf("unable to purge stale hashes: %w", err))
		}
		for _, path := range stale {
			fmt.Println("stale:", path)
		}
		if purgeHashesConfiguration.dryRun {
			fmt.Printf("%d stale digest(s) found (dry run, none removed)\n", len(stale))
		} else {
			fmt.Printf("%d stale digest(s) purged\n", len(stale))
		}
	}

	if purgeHashesConfiguration.statsToo {
		if err := db.PurgeStats(); err != nil {
			fatal(fmt.Errorf("unable to purge stat snapshots: %w", err))
		}
		fmt.Println("purged all recorded stat snapshots")
	}

	return nil
}
