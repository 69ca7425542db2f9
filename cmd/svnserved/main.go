// Command svnserved exposes a repository over the WebDAV/DeltaV protocol
// subversion clients speak, the way the teacher's server/httpd.Server
// exposes a plakar repository over plain HTTP.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/hazelnut-vcs/svnbridge/internal/logging"
	"github.com/hazelnut-vcs/svnbridge/internal/repo"
	"github.com/hazelnut-vcs/svnbridge/internal/webdav"
)

var log = logging.For("svnserved")

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "svnserved",
		Short: "serve a repository over the SVN/WebDAV protocol",
	}
	root.AddCommand(startCommand())
	return root
}

func startCommand() *cobra.Command {
	var (
		repoRoot   string
		addr       string
		prefix     string
		tls        bool
		certFile   string
		keyFile    string
		debug      bool
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "open a repository and serve it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				cfg, err := loadFileConfig(configPath)
				if err != nil {
					return fmt.Errorf("reading config file %s: %w", configPath, err)
				}
				applyFileConfig(cmd, cfg, &repoRoot, &addr, &prefix, &tls, &certFile, &keyFile, &debug)
			}

			if debug {
				logging.SetDebug(true)
			}
			if repoRoot == "" {
				return fmt.Errorf("--repo-root is required")
			}

			r, err := repo.Open(repoRoot)
			if err != nil {
				return fmt.Errorf("opening repository at %s: %w", repoRoot, err)
			}
			defer r.Close()

			h := webdav.New(r, prefix)
			router := mux.NewRouter()
			h.Mount(router)

			srv := &http.Server{
				Addr:    addr,
				Handler: router,
			}

			log.Info("serving %s (uuid %s) on %s, mounted at %s", repoRoot, r.UUID(), addr, prefix)

			if tls {
				if certFile == "" || keyFile == "" {
					return fmt.Errorf("--tls requires --cert-file and --key-file")
				}
				return srv.ListenAndServeTLS(certFile, keyFile)
			}
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&repoRoot, "repo-root", "", "path to the repository's storage directory")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&prefix, "prefix", "/svn", "URL path the repository is mounted under")
	cmd.Flags().BoolVar(&tls, "tls", false, "serve over TLS")
	cmd.Flags().StringVar(&certFile, "cert-file", "", "TLS certificate file")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "TLS key file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().StringVar(&configPath, "config", "", "optional TOML file providing defaults for the flags above")
	return cmd
}

// applyFileConfig fills in flag values from cfg, but only for flags the
// caller did not explicitly pass — an explicit flag always wins over the
// config file, matching the file's role as defaults, not overrides.
func applyFileConfig(cmd *cobra.Command, cfg fileConfig, repoRoot, addr, prefix *string, tls *bool, certFile, keyFile *string, debug *bool) {
	flags := cmd.Flags()
	if !flags.Changed("repo-root") && cfg.RepoRoot != "" {
		*repoRoot = cfg.RepoRoot
	}
	if !flags.Changed("addr") && cfg.Addr != "" {
		*addr = cfg.Addr
	}
	if !flags.Changed("prefix") && cfg.Prefix != "" {
		*prefix = cfg.Prefix
	}
	if !flags.Changed("tls") && cfg.TLS {
		*tls = cfg.TLS
	}
	if !flags.Changed("cert-file") && cfg.CertFile != "" {
		*certFile = cfg.CertFile
	}
	if !flags.Changed("key-file") && cfg.KeyFile != "" {
		*keyFile = cfg.KeyFile
	}
	if !flags.Changed("debug") && cfg.Debug {
		*debug = cfg.Debug
	}
}
