package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/packlane/packageserver/pkg/storage"
)

func NewRepoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage package repositories",
	}
	cmd.AddCommand(newRepoCreateCommand())
	cmd.AddCommand(newRepoListCommand())
	return cmd
}

func newRepoCreateCommand() *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an npm repository",
		Args:  cobra.ExactArgs(1),
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

			return store.CreateRepository(cmd.Context(), storage.Repository{
				Name:   args[0],
				Format: storage.FormatNPM,
				Type:   repoTypeFlag(v),
			})
		},
	}

	flags := cmd.Flags()
	addDBPathFlag(flags, v)
	addBlobBucketFlag(flags, v)
	addBlobPrefixFlag(flags, v)
	addRepoTypeFlag(flags, v)

	return cmd
}

func newRepoListCommand() *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured repositories",
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

			repositories, err := store.ListRepositories(cmd.Context())
			if err != nil {
				return err
			}
			for _, repository := range repositories {
				fmt.Printf("%s\t%s\t%s\n", repository.Name, repository.Format, repository.Type)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	addDBPathFlag(flags, v)
	addBlobBucketFlag(flags, v)
	addBlobPrefixFlag(flags, v)

	return cmd
}
