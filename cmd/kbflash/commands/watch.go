package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kbflash/kbflash/pkg/device"
	"github.com/kbflash/kbflash/pkg/errors"
	"github.com/kbflash/kbflash/pkg/query"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print devices as they are plugged in and removed",
	Long:  `Prints add/remove events until interrupted. Devices matching --query are marked.`,
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := appConfig

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := query.Parse(cfg.Query)
	if err != nil {
		return err
	}

	_, mon, err := newMonitor(cfg)
	if err != nil {
		return errors.Wrap(err, "device discovery unavailable")
	}

	return watchDevices(ctx, mon, cmd.OutOrStdout(), q)
}

// watchDevices prints the devices present at start, then every add/remove
// until ctx is done. Live events wait until the present list is written.
func watchDevices(ctx context.Context, mon *device.Monitor, out io.Writer, q query.Query) error {
	var mu sync.Mutex
	mu.Lock()
	id := mon.Register(device.ObserverFunc(func(action device.Action, dev device.BlockDevice) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, renderEvent(action, dev, q))
	}))
	defer mon.Unregister(id)

	present, err := mon.StartWithSnapshot(ctx)
	if err != nil {
		mu.Unlock()
		return errors.Wrap(err, "monitor start failed")
	}
	defer mon.Stop()

	for _, dev := range present {
		fmt.Fprintln(out, renderEvent("present", dev, q))
	}
	fmt.Fprintln(out, dimStyle.Render("Watching for devices, Ctrl-C to stop"))
	mu.Unlock()

	<-ctx.Done()
	return nil
}
