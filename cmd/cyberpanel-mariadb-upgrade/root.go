package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	logFile    string
	verbose    bool
	quiet      bool
	jsonOutput bool

	// logFileWriter is the rotating log file, if one is open.
	logFileWriter *lumberjack.Logger
)

var rootCmd = &cobra.Command{
	Use:   "cyberpanel-mariadb-upgrade",
	Short: "Upgrade MariaDB 10.3 to 10.6 on a CyberPanel server",
	Long: `cyberpanel-mariadb-upgrade upgrades the MariaDB server of a CyberPanel
host from 10.3 to 10.6 in one run:
  - validates the host and the installed server
  - dumps every database to /root/mariadb_backups/<db>.sql
  - stops MariaDB, swaps the packages and starts it again
  - runs mariadb-upgrade and reports the installed version

Run as root. Without arguments it performs the upgrade with built-in defaults.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(os.Stdout)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLogFile()
	},
	RunE:    runUpgrade,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (optional, built-in defaults otherwise)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this rotating file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(preflightCmd)
	rootCmd.AddCommand(validateCmd)
}

func consoleWriter(out io.Writer) io.Writer {
	if jsonOutput {
		return out
	}
	output := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	output.FormatLevel = func(i interface{}) string {
		if s, ok := i.(string); ok {
			return strings.ToUpper(s)
		}
		return ""
	}
	return output
}

func setupLogging(out io.Writer) {
	log.Logger = zerolog.New(consoleWriter(out)).With().Timestamp().Logger()

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// enableFileLogging tees the global logger into a rotating JSON log file.
// The --log-file flag wins over log.file from the config.
func enableFileLogging(out io.Writer, settings models.LogSettings) error {
	path := logFile
	if path == "" {
		path = settings.File
	}
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	closeLogFile()
	logFileWriter = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    settings.MaxSizeMB,
		MaxBackups: settings.MaxBackups,
		Compress:   true,
	}

	writer := zerolog.MultiLevelWriter(consoleWriter(out), logFileWriter)
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()

	log.Debug().
		Str("file", path).
		Int("max_size_mb", settings.MaxSizeMB).
		Int("max_backups", settings.MaxBackups).
		Msg("logging to rotating file")

	return nil
}

func closeLogFile() {
	if logFileWriter != nil {
		_ = logFileWriter.Close()
		logFileWriter = nil
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
