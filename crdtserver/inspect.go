package main

import (
	"context"
	"fmt"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"

	"crdtkit/causal"
	"crdtkit/common"
	"crdtkit/crdt"
	"crdtkit/crdtstorage"
	"crdtkit/journal"
)

const (
	typePNCounter  = "pncounter"
	typeGCounter   = "gcounter"
	typeORSet      = "orset"
	typeMVRegister = "mvregister"
)

var journalType string

// journalSummary is what inspect prints for a journal.
type journalSummary struct {
	Path    string
	Type    string
	Entries int
	Value   interface{}
	Version causal.VClock
}

var dumper = litter.Options{
	StripPackageNames: true,
	HidePrivateFields: false,
	HideZeroValues:    false,
	Separator:         " ",
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	storage, err := crdtstorage.NewStorage(cmd.Context(), cfg.StorageOptions())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer closeStorage(storage)

	summary, err := describeJournal(cmd.Context(), storage, cfg.Replica(), journalType, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), dumper.Sdump(summary))
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	storage, err := crdtstorage.NewStorage(cmd.Context(), cfg.StorageOptions())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer closeStorage(storage)

	before, err := compactJournal(cmd.Context(), storage, cfg.Replica(), journalType, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "compacted %s: %d entries -> 1\n", args[0], before)
	return nil
}

func closeStorage(storage crdtstorage.Storage) {
	if closer, ok := storage.(crdtstorage.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warnf("Failed to close storage: %v", err)
		}
	}
}

// describeJournal replays the journal at path as the named type. Mounting
// repairs a torn tail, so inspecting may rewrite the file.
func describeJournal(ctx context.Context, storage crdtstorage.Storage, replica common.ReplicaID, kind, path string) (journalSummary, error) {
	summary := journalSummary{Path: path, Type: kind}

	switch kind {
	case typePNCounter:
		j, err := journal.Mount(ctx, storage, path, func() *crdt.PNCounter { return crdt.NewPNCounter(replica) })
		if err != nil {
			return summary, err
		}
		v := j.Get()
		summary.Entries, summary.Value, summary.Version = j.EntryCount(), v.Value(), v.Version()
	case typeGCounter:
		j, err := journal.Mount(ctx, storage, path, func() *crdt.GCounter { return crdt.NewGCounter(replica) })
		if err != nil {
			return summary, err
		}
		v := j.Get()
		summary.Entries, summary.Value, summary.Version = j.EntryCount(), v.Value(), v.Version()
	case typeORSet:
		j, err := journal.Mount(ctx, storage, path, func() *MemberSet { return crdt.NewAddWinsSet[string](replica) })
		if err != nil {
			return summary, err
		}
		v := j.Get()
		summary.Entries, summary.Value, summary.Version = j.EntryCount(), crdt.SortedElements(v), v.Version()
	case typeMVRegister:
		j, err := journal.Mount(ctx, storage, path, func() *crdt.MVRegister[string] { return crdt.NewMVRegister[string](replica) })
		if err != nil {
			return summary, err
		}
		v := j.Get()
		summary.Entries, summary.Value, summary.Version = j.EntryCount(), v.Values(), v.Version()
	default:
		return summary, fmt.Errorf("unknown journal type %q", kind)
	}
	return summary, nil
}

// compactJournal rewrites the journal at path and returns the entry count it
// had before.
func compactJournal(ctx context.Context, storage crdtstorage.Storage, replica common.ReplicaID, kind, path string) (int, error) {
	switch kind {
	case typePNCounter:
		return compactAs(ctx, storage, path, func() *crdt.PNCounter { return crdt.NewPNCounter(replica) })
	case typeGCounter:
		return compactAs(ctx, storage, path, func() *crdt.GCounter { return crdt.NewGCounter(replica) })
	case typeORSet:
		return compactAs(ctx, storage, path, func() *MemberSet { return crdt.NewAddWinsSet[string](replica) })
	case typeMVRegister:
		return compactAs(ctx, storage, path, func() *crdt.MVRegister[string] { return crdt.NewMVRegister[string](replica) })
	default:
		return 0, fmt.Errorf("unknown journal type %q", kind)
	}
}

func compactAs[T crdt.Mergeable[T]](ctx context.Context, storage crdtstorage.Storage, path string, newFn func() T) (int, error) {
	exists, err := storage.Exists(ctx, path)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("journal %s: %w", path, crdtstorage.ErrNotFound)
	}

	j, err := journal.Mount(ctx, storage, path, newFn)
	if err != nil {
		return 0, err
	}
	before := j.EntryCount()
	if err := j.Compact(ctx); err != nil {
		return before, err
	}
	return before, nil
}
