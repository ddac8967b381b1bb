// Command scim-sync reconciles Google Workspace groups with a SCIM 2.0 endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"keepersecurity.com/ksm-scim-sync/report"
	"keepersecurity.com/ksm-scim-sync/scim"
)

const (
	exitOK      = 0
	exitError   = 1
	exitPartial = 2
)

// errPartial marks a run that completed with failed, skipped or cancelled operations.
var errPartial = errors.New("synchronization completed with failures")

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(stdout, stderr)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errPartial) {
			return exitPartial
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}

type flagValues struct {
	configPath      string
	dryRun          bool
	deleteSuspended bool
	groups          []string
	verbose         bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags flagValues

	rootCmd := &cobra.Command{
		Use:           "scim-sync",
		Short:         "Synchronize Google Workspace groups to a SCIM endpoint",
		Long:          "Reads users and nested groups from Google Workspace and provisions them as users and teams through SCIM 2.0.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(flags.configPath)
			if err != nil {
				return err
			}
			applyFlags(cfg, cmd.Flags(), flags)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runSync(cmd.Context(), cfg, flags.verbose, stdout, stderr)
		},
	}

	pf := rootCmd.Flags()
	pf.StringVarP(&flags.configPath, "config", "c", "scim-sync.toml", "Path to the TOML configuration file")
	pf.BoolVar(&flags.dryRun, "dry-run", false, "Compute and print the plan without applying it")
	pf.BoolVar(&flags.deleteSuspended, "delete-suspended", false, "Delete target users that are already suspended and no longer in scope")
	pf.StringSliceVar(&flags.groups, "groups", nil, "Comma-separated Google group names or emails, overrides the configuration")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	return rootCmd
}

// applyFlags overrides file settings with flags set on the command line.
func applyFlags(cfg *Config, fs *pflag.FlagSet, flags flagValues) {
	if fs.Changed("dry-run") {
		cfg.Sync.DryRun = flags.dryRun
	}
	if fs.Changed("delete-suspended") {
		cfg.Sync.DeleteSuspended = flags.deleteSuspended
	}
	if fs.Changed("groups") {
		cfg.Google.Groups = nil
		for _, group := range flags.groups {
			cfg.Google.Groups = append(cfg.Google.Groups, scim.SplitGroupList(group)...)
		}
	}
}

func runSync(ctx context.Context, cfg *Config, verbose bool, stdout, stderr io.Writer) error {
	logger, closer, err := newLogger(cfg.Logging, verbose, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	credentials, err := os.ReadFile(cfg.Google.CredentialsFile)
	if err != nil {
		return fmt.Errorf("read google credentials: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	source := scim.NewGoogleEndpoint(&scim.GoogleEndpointParameters{
		AdminAccount: cfg.Google.Subject,
		Credentials:  credentials,
		Customer:     cfg.Google.Customer,
		ScimGroups:   cfg.Google.Groups,
	}, scim.WithGoogleLogger(logger))
	target := scim.NewScimEndpoint(&scim.ScimEndpointParameters{
		Url:               cfg.Scim.Url,
		Token:             cfg.ScimToken(),
		RequestsPerSecond: cfg.Scim.RequestsPerSecond,
		Burst:             cfg.Scim.Burst,
		Timeout:           cfg.Scim.Timeout,
	}, scim.WithScimLogger(logger))

	engine := scim.NewEngine(source, target, scim.WithLogger(logger))
	syncReport, err := engine.RunSync(ctx, cfg.RunConfig())
	if syncReport != nil {
		report.Print(stdout, syncReport)
	}
	if err != nil {
		return err
	}
	if !syncReport.Succeeded() {
		return errPartial
	}
	return nil
}
