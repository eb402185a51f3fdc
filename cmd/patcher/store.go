package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/isseis/go-patch-engine/internal/blockstore"
	"github.com/isseis/go-patch-engine/internal/codecache"
)

// ErrStoreRequired is returned when a store command has no store path.
var ErrStoreRequired = errors.New("block store is required: pass --store or set " + envStore)

func newStoreCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect the persistent block store",
	}

	var cpuKey string
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List stored blocks ordered by context and address",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return a.withStore(func(s *blockstore.Store) error {
				records, err := s.List(cpuKey)
				if err != nil {
					return err
				}
				table := newTable(a.stdout, "CONTEXT", "ADDRESS", "END", "CACHE", "SIZE", "INSTRUCTIONS", "CREATED", "ID")
				for _, r := range records {
					table.Append([]string{
						r.Context,
						fmt.Sprintf("%#x", r.Addr),
						fmt.Sprintf("%#x", r.SourceEnd),
						fmt.Sprintf("%#x", r.CacheAddr),
						strconv.Itoa(len(r.Code)),
						strconv.Itoa(len(r.Offsets)),
						r.Created.UTC().Format(time.RFC3339),
						r.ID,
					})
				}
				table.Render()
				return nil
			})
		},
	}
	ls.Flags().StringVar(&cpuKey, "context", "", "only list blocks of this CPU context key")

	var rmKey string
	rm := &cobra.Command{
		Use:   "rm ADDRESS...",
		Short: "Delete stored blocks of a CPU context",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			keys := make([]codecache.Key, 0, len(args))
			for _, arg := range args {
				addr, err := strconv.ParseUint(arg, 0, 64)
				if err != nil {
					return fmt.Errorf("invalid address %q: %w", arg, err)
				}
				keys = append(keys, codecache.Key{Addr: addr, Context: rmKey})
			}
			return a.withStore(func(s *blockstore.Store) error {
				for _, k := range keys {
					if err := s.Delete(k); err != nil {
						return err
					}
					a.log().Info("Block deleted", "key", k.String())
				}
				return nil
			})
		},
	}
	rm.Flags().StringVar(&rmKey, "context", "", "CPU context key of the blocks")
	_ = rm.MarkFlagRequired("context")

	cmd.AddCommand(ls, rm)
	return cmd
}

func (a *app) withStore(fn func(*blockstore.Store) error) error {
	if a.opts.storePath == "" {
		return ErrStoreRequired
	}
	s, err := blockstore.Open(a.opts.storePath)
	if err != nil {
		return err
	}
	return errors.Join(fn(s), s.Close())
}
