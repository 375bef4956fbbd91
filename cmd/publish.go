package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packlane/packageserver/pkg/hosted"
)

func NewPublishCommand() *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:   "publish <repository> <tarball>",
		Short: "Publish a package tarball to a hosted npm repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l := zap.L()

			tarball, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), v, l)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					l.Error("failed to close store", zap.Error(err))
				}
			}()

			facet := hosted.NewFacet(l, store)
			_, _, err = facet.Publish(cmd.Context(), args[0], tarball)
			return err
		},
	}

	flags := cmd.Flags()
	addDBPathFlag(flags, v)
	addBlobBucketFlag(flags, v)
	addBlobPrefixFlag(flags, v)

	return cmd
}
