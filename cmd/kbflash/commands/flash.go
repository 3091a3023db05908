package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"

	"github.com/kbflash/kbflash/pkg/errors"
	appfsm "github.com/kbflash/kbflash/pkg/fsm"
	"github.com/kbflash/kbflash/pkg/mount"
	"github.com/kbflash/kbflash/pkg/orchestrator"
	"github.com/kbflash/kbflash/pkg/security"
)

var skipFirmwareCheck bool

var flashCmd = &cobra.Command{
	Use:   "flash <firmware.uf2 | s3://bucket/key>",
	Short: "Flash firmware onto matching devices as they appear",
	Long: `Flashes every attached device matching --query, then waits for more until
--count devices were flashed or no new device appeared within --timeout.
Exits non-zero unless at least one device was flashed and none failed.`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().IntP("count", "n", 1, "Devices to flash before exiting (0 = until timeout)")
	flashCmd.Flags().Duration("timeout", 60*time.Second, "Idle wait for a new matching device")
	flashCmd.Flags().Int("max-retries", 3, "Mount and copy attempts per device")
	flashCmd.Flags().Duration("retry-delay", 2*time.Second, "Delay between attempts")
	flashCmd.Flags().Bool("track-flashed", true, "Skip devices already flashed in this session")
	flashCmd.Flags().String("s3-region", "us-east-1", "Region for s3:// firmware references")
	flashCmd.Flags().BoolVar(&skipFirmwareCheck, "skip-firmware-check", false, "Do not validate the firmware file before flashing")

	viper.BindPFlag("count", flashCmd.Flags().Lookup("count"))
	viper.BindPFlag("timeout", flashCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("max-retries", flashCmd.Flags().Lookup("max-retries"))
	viper.BindPFlag("retry-delay", flashCmd.Flags().Lookup("retry-delay"))
	viper.BindPFlag("track-flashed", flashCmd.Flags().Lookup("track-flashed"))
	viper.BindPFlag("s3-region", flashCmd.Flags().Lookup("s3-region"))
}

func runFlash(cmd *cobra.Command, args []string) error {
	cfg := appConfig

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ensureDirectories(cfg.WorkDir); err != nil {
		return err
	}

	fs := afero.NewOsFs()
	validator := security.NewValidator(fs, cfg.MaxFirmwareSize)

	firmwarePath, err := resolveFirmware(ctx, cfg, validator, args[0])
	if err != nil {
		return err
	}

	adapter, err := mount.NewAdapter(mount.Options{CommandTimeout: cfg.CommandTimeout, Fs: fs})
	if err != nil {
		return errors.Wrap(err, "mount adapter unavailable")
	}

	enum, mon, err := newMonitor(cfg)
	if err != nil {
		return errors.Wrap(err, "device discovery unavailable")
	}

	sink, closeSink, err := newSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	fsmDBPath, removeFSMDir, err := fsmDirectory(cfg)
	if err != nil {
		return err
	}
	defer removeFSMDir()

	manager, err := fsm.New(fsm.Config{DBPath: fsmDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(adapter, sink, cfg.MaxRetries, cfg.RetryDelay)
	if _, _, err := machine.Register(ctx, manager); err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	orch := orchestrator.New(orchestrator.Deps{
		Enumerator: enum,
		Monitor:    mon,
		Flasher:    machine,
		Validator:  validator,
		Sink:       sink,
	})

	slog.Info("flash_command_start", "firmware", firmwarePath, "query", cfg.Query, "count", cfg.Count)

	res, err := orch.Flash(ctx, orchestrator.Options{
		FirmwarePath:      firmwarePath,
		Query:             cfg.Query,
		Timeout:           cfg.Timeout,
		Count:             cfg.Count,
		TrackFlashed:      cfg.TrackFlashed,
		SkipFirmwareCheck: skipFirmwareCheck,
	})
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), renderSession(res))
	if !res.Success {
		return errSessionFailed
	}
	return nil
}
