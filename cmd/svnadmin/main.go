// Command svnadmin performs the offline repository-maintenance operations
// a real svnadmin binary offers: creating a repository, loading a dump
// into it, dumping it back out, and patching revision properties,
// following the teacher's pattern of one flag-parsed subcommand per verb.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazelnut-vcs/svnbridge/internal/dumpfile"
	"github.com/hazelnut-vcs/svnbridge/internal/logging"
	"github.com/hazelnut-vcs/svnbridge/internal/repo"
	"github.com/hazelnut-vcs/svnbridge/internal/syncwire"
)

var log = logging.For("svnadmin")

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "svnadmin",
		Short: "create, load, dump and administer a repository",
	}
	root.AddCommand(initCommand(), loadCommand(), dumpCommand(), setRevPropCommand(), verifyCommand(), syncCommand(), servewireCommand())
	return root
}

func initCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init <path>",
		Short: "create a new repository at path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(args[0])
			if err != nil {
				return fmt.Errorf("creating repository at %s: %w", args[0], err)
			}
			defer r.Close()
			log.Info("initialized repository at %s, uuid=%s", args[0], r.UUID())
			return nil
		},
	}
}

func loadCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "load <repo-path>",
		Short: "replay a dump file's revisions into a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening repository at %s: %w", args[0], err)
			}
			defer r.Close()

			in := os.Stdin
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("opening dump file %s: %w", file, err)
				}
				defer f.Close()
				in = f
			}

			rd, err := dumpfile.NewReader(in)
			if err != nil {
				return fmt.Errorf("reading dump header: %w", err)
			}
			head, err := dumpfile.Load(rd, r)
			if err != nil {
				return fmt.Errorf("loading dump: %w", err)
			}
			log.Info("loaded dump into %s, new HEAD=%d", args[0], head)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "dump file to load, or - for stdin")
	return cmd
}

func dumpCommand() *cobra.Command {
	var output string
	var format int
	cmd := &cobra.Command{
		Use:   "dump <repo-path>",
		Short: "write every revision of a repository out in dump format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening repository at %s: %w", args[0], err)
			}
			defer r.Close()

			out := io.Writer(os.Stdout)
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating output file %s: %w", output, err)
				}
				defer f.Close()
				out = f
			}

			if err := dumpfile.Dump(r, out, format); err != nil {
				return fmt.Errorf("dumping repository: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "-", "output dump file, or - for stdout")
	cmd.Flags().IntVar(&format, "format", 3, "dump format version (2 or 3)")
	return cmd
}

func setRevPropCommand() *cobra.Command {
	var rev uint64
	var name, value string
	cmd := &cobra.Command{
		Use:   "setrevprop <repo-path>",
		Short: "set a revision property on an existing revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening repository at %s: %w", args[0], err)
			}
			defer r.Close()

			if rev > r.CurrentRevision() {
				return fmt.Errorf("revision %d does not exist (HEAD is %d)", rev, r.CurrentRevision())
			}
			old, _, err := r.GetRevisionProp(rev, name)
			if err != nil {
				return fmt.Errorf("reading previous value: %w", err)
			}
			if err := runPreRevPropChangeHook(rev, name, old, value); err != nil {
				return err
			}
			if err := r.SetRevisionProp(rev, name, value); err != nil {
				return fmt.Errorf("setting revprop: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Uint64VarP(&rev, "revision", "r", 0, "revision to modify")
	cmd.Flags().StringVarP(&name, "name", "n", "", "property name")
	cmd.Flags().StringVarP(&value, "value", "v", "", "property value")
	cmd.MarkFlagRequired("revision")
	cmd.MarkFlagRequired("name")
	return cmd
}

// runPreRevPropChangeHook stands in for a real repository's
// pre-revprop-change script: a real server refuses the change unless the
// hook exits zero. There is no external hook mechanism here, so the
// check always passes; the call exists so that the svn:sync-* properties
// svnsync depends on go through the same gate a real server enforces.
func runPreRevPropChangeHook(rev uint64, name, oldValue, newValue string) error {
	return nil
}

func syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <repo-path> <peer-addr>",
		Short: "pull every revision a peer has beyond this repository's HEAD",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening repository at %s: %w", args[0], err)
			}
			defer r.Close()

			head, err := syncwire.Sync(r, args[1])
			if err != nil {
				return fmt.Errorf("syncing from %s: %w", args[1], err)
			}
			log.Info("synced %s from %s, HEAD=%d", args[0], args[1], head)
			return nil
		},
	}
}

func servewireCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "servewire <repo-path>",
		Short: "serve this repository's revisions to peers for sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening repository at %s: %w", args[0], err)
			}
			defer r.Close()

			log.Info("serving sync wire for %s on %s", args[0], addr)
			return syncwire.Serve(r, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8901", "address to listen on")
	return cmd
}

func verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <repo-path>",
		Short: "walk every object reachable from every revision and recheck its hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := repo.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening repository at %s: %w", args[0], err)
			}
			defer r.Close()

			if err := r.Verify(); err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			log.Info("repository at %s verified clean through revision %d", args[0], r.CurrentRevision())
			return nil
		},
	}
}
