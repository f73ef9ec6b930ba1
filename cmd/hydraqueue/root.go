package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/hydraqueue/docstore"
	"github.com/animus-labs/hydraqueue/entrypoint"
	"github.com/animus-labs/hydraqueue/internal/discovery"
	"github.com/animus-labs/hydraqueue/internal/domain"
	"github.com/animus-labs/hydraqueue/internal/experimentfile"
	"github.com/animus-labs/hydraqueue/internal/queue"
	"github.com/animus-labs/hydraqueue/internal/resolution"
	"github.com/animus-labs/hydraqueue/internal/runtimeexec"
)

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "hydraqueue",
		Short:         "Queue composed experiment configurations into the run store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newQueueCommand(a),
		newDiscoverCommand(a),
		newResolveCommand(a),
		newShowCommand(a),
	)
	return root
}

func newQueueCommand(a *app) *cobra.Command {
	var flags struct {
		dir             string
		forceDuplicates bool
		noHash          bool
		noSources       bool
	}
	cmd := &cobra.Command{
		Use:   "queue COLLECTION CONFIG_FILE",
		Short: "Queue every configuration of an experiment file",
		Long: `Queue every configuration of an experiment file.

Configurations already present in the collection are skipped unless
--force-duplicates is given. With seml.hydra set, configurations are first
resolved inside the executable.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			file, err := experimentfile.Read(args[1])
			if err != nil {
				return err
			}
			store, release, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer release()

			opts := []queue.Option{queue.WithLogger(a.logger)}
			if file.Seml.Hydra {
				resolver, err := a.openResolver()
				if err != nil {
					return err
				}
				opts = append(opts, queue.WithResolver(resolver))
			}
			if file.Seml.UseUploadedSources && !flags.noSources {
				uploader, err := a.openUploader(ctx)
				if err != nil {
					return err
				}
				opts = append(opts, queue.WithUploader(uploader))
			}

			res, err := queue.New(store, opts...).Queue(ctx, queue.Options{
				Collection:      args[0],
				File:            &file,
				Directory:       flags.dir,
				ForceDuplicates: flags.forceDuplicates,
				NoHash:          flags.noHash,
				NoSourceUpload:  flags.noSources,
			})
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), map[string]any{
				"batch_id":   res.BatchID,
				"ids":        res.IDs,
				"duplicates": res.Duplicates,
				"existing":   res.Existing,
			})
		},
	}
	cmd.Flags().StringVar(&flags.dir, "dir", "", "Working directory relative paths are resolved against")
	cmd.Flags().BoolVar(&flags.forceDuplicates, "force-duplicates", false, "Queue configurations even if they already exist")
	cmd.Flags().BoolVar(&flags.noHash, "no-hash", false, "Detect duplicates by value instead of by config hash")
	cmd.Flags().BoolVar(&flags.noSources, "no-sources", false, "Do not upload source files")
	return cmd
}

func newDiscoverCommand(a *app) *cobra.Command {
	var expected entrypoint.Declaration
	var dir string
	cmd := &cobra.Command{
		Use:   "discover EXECUTABLE",
		Short: "Print the config tree an executable declares",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.discoverCfg()
			if err != nil {
				return configError{err}
			}
			d := discovery.New(runtimeexec.NewChildExecutor(cfg.GoBin), cfg.DiscoverTimeout, a.logger)
			found, err := d.Discover(cmd.Context(), discovery.Target{Executable: args[0], Directory: dir}, expected)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), map[string]any{
				"config_root":  found.ConfigRoot,
				"config_name":  found.ConfigName,
				"version_base": found.VersionBase,
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory a relative executable is resolved against")
	cmd.Flags().StringVar(&expected.ConfigPath, "config-path", "", "Expected config path")
	cmd.Flags().StringVar(&expected.ConfigName, "config-name", "", "Expected config name")
	cmd.Flags().StringVar(&expected.VersionBase, "version-base", "", "Expected version base")
	return cmd
}

func newResolveCommand(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "resolve CONFIG_FILE",
		Short: "Print the resolved configurations of an experiment file without queueing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := experimentfile.Read(args[0])
			if err != nil {
				return err
			}
			configs, err := file.Generate()
			if err != nil {
				return err
			}
			resolver, err := a.openResolver()
			if err != nil {
				return err
			}
			workDir := dir
			if workDir == "" {
				if workDir, err = os.Getwd(); err != nil {
					return err
				}
			}
			resp, err := resolver.ResolveConfigs(cmd.Context(), resolution.Request{
				Directory:  workDir,
				Executable: file.Seml.Executable,
				Configs:    configs,
				Expected: entrypoint.Declaration{
					ConfigPath:  file.Seml.ConfigPath,
					ConfigName:  file.Seml.ConfigName,
					VersionBase: file.Seml.VersionBase,
				},
			})
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), map[string]any{
				"config_root": resp.ConfigRoot,
				"configs":     resp.Configs,
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Working directory relative paths are resolved against")
	return cmd
}

func newShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show COLLECTION ID",
		Short: "Print one run record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[1])
			}
			ctx := cmd.Context()
			store, release, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer release()
			doc, err := findRun(ctx, store, args[0], id)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), doc)
		},
	}
}

func findRun(ctx context.Context, store docstore.Store, collection string, id int64) (docstore.Document, error) {
	coll, err := store.Collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	doc, err := coll.FindOne(ctx, docstore.Filter{domain.FieldID: id})
	if err != nil {
		return nil, fmt.Errorf("run %d in %s: %w", id, collection, err)
	}
	return doc, nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
