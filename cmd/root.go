package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Kadem9/caissefacile/internal/config"
	"github.com/Kadem9/caissefacile/internal/logging"
	"github.com/Kadem9/caissefacile/internal/output"
	"github.com/spf13/cobra"
)

// annotationMutates marks commands that write to the local store; they are
// followed by an opportunistic sync.
const annotationMutates = "caisse/mutates"

var (
	version   string
	baseDir   string
	dirFlag   string
	verbose   bool
	cfg       *config.Config
	logCloser io.Closer
)

// SetVersion records the binary version for --version and backend checks.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "caisse",
	Short: "Offline-first point of sale terminal",
	Long: `caisse - a point of sale terminal that keeps selling without a network.

Every change is written locally first and queued; the queue is pushed to the
caisse-sync backend whenever it is reachable, and changes made on other
terminals are pulled back.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupCommand(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if isMutatingCommand(cmd) {
			autoSyncAfterMutation(cmd.Context())
		}
		return nil
	},
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	err := rootCmd.Execute()
	if logCloser != nil {
		logCloser.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func isMutatingCommand(cmd *cobra.Command) bool {
	return cmd.Annotations[annotationMutates] == "true"
}

func mutates() map[string]string {
	return map[string]string{annotationMutates: "true"}
}

// setupCommand loads the config and installs the logger. Interactive
// commands log warnings only unless --verbose or a log file is set.
func setupCommand(cmd *cobra.Command) error {
	loaded, err := config.Load(getBaseDir())
	if err != nil {
		output.Error("load config: %v", err)
		return err
	}
	cfg = loaded

	opts := logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	if opts.File != "" && !filepath.IsAbs(opts.File) {
		opts.File = filepath.Join(getBaseDir(), opts.File)
	}
	switch {
	case verbose:
		opts.Level = "debug"
	case opts.File == "" && cmd.Name() != "daemon":
		opts.Level = "warn"
	}
	closer, err := logging.Setup(opts)
	if err != nil {
		output.Error("configure logging: %v", err)
		return err
	}
	logCloser = closer
	return nil
}

func init() {
	cobra.OnInitialize(initBaseDir)

	rootCmd.PersistentFlags().StringVarP(&dirFlag, "dir", "C", "", "terminal data directory (default: $CAISSE_DIR or the working directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sales", Title: "Sales Commands:"},
		&cobra.Group{ID: "catalog", Title: "Catalog Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)

	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")
}

// initBaseDir resolves the data directory: --dir, then $CAISSE_DIR, then
// the working directory.
func initBaseDir() {
	baseDir = dirFlag
	if baseDir == "" {
		baseDir = os.Getenv("CAISSE_DIR")
	}
	if baseDir != "" {
		return
	}
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine working directory: %v\n", err)
		os.Exit(1)
	}
	baseDir = wd
}

func getBaseDir() string {
	return baseDir
}
