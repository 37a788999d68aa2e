package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/librescoot/nfa/internal/nfc"
)

var (
	// Global flags
	verbose bool
	logJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "nfad",
	Short: "NFC controller daemon",
	Long: `nfad drives an NCI controller such as the PN7150: RF discovery, card
emulation listen registrations and the listen mode routing table.

Examples:
  nfad run --transport i2c --device /dev/pn5xx_i2c --poll a,b,f   # Poll and publish events
  nfad route --nfcee 0x02 --aid A0000000031010@0x02                 # Show the routing table
  nfad trace capture.cbor                                           # Dump a frame trace`,
	Version:      "0.3.0",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log JSON lines instead of console output")
}

func newLogger() zerolog.Logger {
	if logJSON {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()
}

// logCallback hands stack log lines to a zerolog logger
func logCallback(logger zerolog.Logger) nfc.LogCallback {
	return func(level nfc.LogLevel, message string) {
		switch level {
		case nfc.LogLevelError:
			logger.Error().Msg(message)
		case nfc.LogLevelWarning:
			logger.Warn().Msg(message)
		case nfc.LogLevelInfo:
			logger.Info().Msg(message)
		case nfc.LogLevelDebug:
			logger.Debug().Msg(message)
		}
	}
}
