package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/kbflash/kbflash/internal/config"
	"github.com/kbflash/kbflash/pkg/device"
	"github.com/kbflash/kbflash/pkg/errors"
	"github.com/kbflash/kbflash/pkg/events"
	"github.com/kbflash/kbflash/pkg/firmware"
	"github.com/kbflash/kbflash/pkg/platform"
	"github.com/kbflash/kbflash/pkg/security"
	"github.com/kbflash/kbflash/pkg/storage"
)

// fsmDirPattern names per-run state machine directories under the work dir.
const fsmDirPattern = "fsm-*"

// ensureDirectories creates the work directory and its downloads directory
func ensureDirectories(workDir string) error {
	if err := os.MkdirAll(firmware.DownloadsDir(workDir), 0755); err != nil {
		return errors.Wrap(err, "failed to create work directory")
	}
	return nil
}

// fsmDirectory returns the state machine database directory. Without an
// explicit fsm-db-path a scratch directory is created and removed afterwards.
func fsmDirectory(cfg *config.Config) (string, func(), error) {
	if cfg.FSMDBPath != "" {
		if err := os.MkdirAll(cfg.FSMDBPath, 0755); err != nil {
			return "", nil, errors.Wrap(err, "failed to create FSM directory")
		}
		return cfg.FSMDBPath, func() {}, nil
	}

	dir, err := os.MkdirTemp(cfg.WorkDir, fsmDirPattern)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to create FSM directory")
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func newMonitor(cfg *config.Config) (*device.Enumerator, *device.Monitor, error) {
	return platform.NewMonitor(platform.Options{
		PollInterval:   cfg.PollInterval,
		MountCacheTTL:  cfg.MountCacheTTL,
		CommandTimeout: cfg.CommandTimeout,
	})
}

// newSink logs every diagnostic event and also publishes it over MQTT when a
// broker is configured.
func newSink(cfg *config.Config) (events.Sink, func(), error) {
	sinks := events.Multi{events.NewLogSink(nil)}
	if cfg.MQTTBroker == "" {
		return sinks, func() {}, nil
	}

	mq, err := events.NewMQTTSink(events.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		Topic:    cfg.MQTTTopic,
		ClientID: cfg.MQTTClientID,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "mqtt sink failed")
	}
	return append(sinks, mq), mq.Close, nil
}

// resolveFirmware turns the firmware argument into a local path, creating an
// S3 client only for s3:// references.
func resolveFirmware(ctx context.Context, cfg *config.Config, validator *security.Validator, ref string) (string, error) {
	var fetcher firmware.Fetcher
	if firmware.IsRemote(ref) {
		client, err := storage.NewClient(ctx, cfg.S3Region, cfg.S3Anonymous)
		if err != nil {
			return "", errors.Wrap(err, "S3 client failed")
		}
		fetcher = client
	}

	path, err := firmware.NewResolver(cfg.WorkDir, fetcher, validator).Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	return filepath.Clean(path), nil
}
