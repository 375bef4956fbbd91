package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packlane/packageserver/pkg/repair"
)

func NewRepairCommand() *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Rewrite package roots whose recorded checksums do not match their tarball content",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l := zap.L()

			store, err := openStore(cmd.Context(), v, l)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					l.Error("failed to close store", zap.Error(err))
				}
			}()

			r := repair.New(l, store, store, store,
				repair.WithBatchSize(batchSizeFlag(v)),
			)
			return r.Repair(cmd.Context())
		},
	}

	flags := cmd.Flags()
	addDBPathFlag(flags, v)
	addBlobBucketFlag(flags, v)
	addBlobPrefixFlag(flags, v)
	addBatchSizeFlag(flags, v)

	return cmd
}
