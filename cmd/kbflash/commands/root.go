package commands

import (
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kbflash/kbflash/internal/config"
	"github.com/kbflash/kbflash/internal/logging"
	"github.com/kbflash/kbflash/pkg/errors"
)

// errSessionFailed makes the process exit non-zero after the result was printed.
var errSessionFailed = stderrors.New("flash session failed")

var appConfig *config.Config

var rootCmd = &cobra.Command{
	Use:   "kbflash",
	Short: "Flash firmware onto USB keyboards in bootloader mode",
	Long: `Detects keyboards that expose a mass-storage bootloader (UF2 and similar),
selects them with a small query language and copies a firmware image onto them.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !stderrors.Is(err, errSessionFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("query", "q", "", `Device query, e.g. "vendor=Adafruit and serial~=GLV80-.*"`)
	rootCmd.PersistentFlags().String("work-dir", "", "Directory for downloads and state machine scratch data")
	rootCmd.PersistentFlags().Duration("poll-interval", 750*time.Millisecond, "Device polling interval without native events")
	rootCmd.PersistentFlags().Duration("mount-cache-ttl", 5*time.Second, "Mount table cache lifetime")
	rootCmd.PersistentFlags().Duration("command-timeout", 10*time.Second, "Timeout for each OS disk command")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().String("log-output", "stderr", "Log output (stdout, stderr)")
	rootCmd.PersistentFlags().String("mqtt-broker", "", "Publish diagnostic events to this MQTT broker (tcp://host:1883)")
	rootCmd.PersistentFlags().String("mqtt-topic", "kbflash/events", "MQTT topic prefix for diagnostic events")

	viper.BindPFlag("query", rootCmd.PersistentFlags().Lookup("query"))
	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("poll-interval", rootCmd.PersistentFlags().Lookup("poll-interval"))
	viper.BindPFlag("mount-cache-ttl", rootCmd.PersistentFlags().Lookup("mount-cache-ttl"))
	viper.BindPFlag("command-timeout", rootCmd.PersistentFlags().Lookup("command-timeout"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log-output", rootCmd.PersistentFlags().Lookup("log-output"))
	viper.BindPFlag("mqtt-broker", rootCmd.PersistentFlags().Lookup("mqtt-broker"))
	viper.BindPFlag("mqtt-topic", rootCmd.PersistentFlags().Lookup("mqtt-topic"))
}

func loadConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	// An empty --work-dir flag must not hide the default.
	if cfg.WorkDir == "" {
		cfg.WorkDir = config.DefaultWorkDir()
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat, cfg.LogOutput); err != nil {
		return errors.Wrap(err, "logging setup failed")
	}
	appConfig = cfg
	return nil
}
