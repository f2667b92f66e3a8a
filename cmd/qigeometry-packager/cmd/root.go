package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oshokin/qigeometry-packager/internal/config"
	"github.com/oshokin/qigeometry-packager/internal/logger"
	"github.com/oshokin/qigeometry-packager/internal/service/packager"
	"github.com/oshokin/qigeometry-packager/internal/version"
)

// flagValues collects command-line overrides.
type flagValues struct {
	configPath     string
	rootDir        string
	searchRoot     string
	packageVersion string
	platform       string
	distDir        string
	python         string
	signingKey     string
	logLevel       string
	buildTimeout   time.Duration
	showToolOutput bool
}

// newRootCommand builds the packaging command, binding its flags to values.
func newRootCommand(values *flagValues) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "qigeometry-packager",
		Short: "Build the platform-specific QiGeometry wheel",
		Long: "Locate the pre-built QiGeometry native libraries for the host platform, copy them into the " +
			"Python package and build a wheel with setuptools.\n\n" +
			"Environment: " + config.EnvBuildFolder + " overrides the search root, " +
			config.EnvBuildVersion + " overrides the version, " +
			config.EnvSigningPassphrase + " unlocks the signing key.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if err := applyLogLevel(values.logLevel); err != nil {
				return err
			}

			cfg, err := buildConfig(cmd, values, os.LookupEnv)
			if err != nil {
				return err
			}

			_, err = packager.Run(ctx, &packager.Options{Config: cfg})

			return err
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&values.configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	flags.StringVar(&values.rootDir, "root", ".", "wheel project directory with README.md and LICENSE.txt")
	flags.StringVar(&values.searchRoot, "search-root", "", "directory searched for pre-built artifacts (default: parent of --root)")
	flags.StringVar(&values.packageVersion, "package-version", "", "package version (default: current date as YY.MM.DD)")
	flags.StringVar(&values.platform, "platform", "", "platform key override: manylinux1-x86_64, macosx-10.12-intel or win-amd64")
	flags.StringVar(&values.distDir, "dist-dir", "", "output directory for the wheel (default: <root>/dist)")
	flags.StringVar(&values.python, "python", config.DefaultPython, "python interpreter running setuptools")
	flags.StringVar(&values.signingKey, "sign-key", "", "armored OpenPGP private key used to sign the wheel")
	flags.StringVar(&values.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.DurationVar(&values.buildTimeout, "build-timeout", config.DefaultBuildTimeout, "maximum duration of the setuptools run, 0 disables the limit")
	flags.BoolVar(&values.showToolOutput, "show-tool-output", false, "print setuptools output regardless of the log level")

	version.AttachCobraVersionCommand(rootCmd)

	return rootCmd
}

// Execute runs the qigeometry-packager CLI and exits with non-zero status on error.
func Execute() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

// run executes the command with args and returns the process exit code.
func run(ctx context.Context, args []string) int {
	rootCmd := newRootCommand(new(flagValues))
	rootCmd.SetArgs(args)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.ErrorKV(ctx, "Packaging failed", "error", err)
		return 1
	}

	return 0
}

// buildConfig layers the YAML file, the environment and explicitly set flags.
func buildConfig(cmd *cobra.Command, values *flagValues, lookupEnv func(string) (string, bool)) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)

	// An explicitly named file must exist; the default one is optional.
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(values.configPath)
	} else {
		cfg, err = config.LoadOrDefault(values.configPath)
	}

	if err != nil {
		return nil, err
	}

	config.ApplyEnv(cfg, lookupEnv)

	overrides := []struct {
		flag  string
		apply func()
	}{
		{"root", func() { cfg.RootDir = values.rootDir }},
		{"search-root", func() { cfg.SearchRoot = values.searchRoot }},
		{"package-version", func() { cfg.Version = values.packageVersion }},
		{"platform", func() { cfg.Platform = values.platform }},
		{"dist-dir", func() { cfg.DistDir = values.distDir }},
		{"python", func() { cfg.Python = values.python }},
		{"sign-key", func() { cfg.SigningKey = values.signingKey }},
		{"build-timeout", func() { cfg.BuildTimeout = values.buildTimeout }},
		{"show-tool-output", func() { cfg.ShowToolOutput = values.showToolOutput }},
	}

	for _, o := range overrides {
		if cmd.Flags().Changed(o.flag) {
			o.apply()
		}
	}

	if err = config.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyLogLevel sets the global log level from its textual form.
func applyLogLevel(s string) error {
	level, ok := logger.ParseLogLevel(s)
	if !ok {
		return fmt.Errorf("unknown log level %q", s)
	}

	logger.SetLevel(level)

	return nil
}
