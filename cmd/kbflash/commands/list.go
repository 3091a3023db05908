package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kbflash/kbflash/pkg/errors"
	"github.com/kbflash/kbflash/pkg/query"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List attached USB block devices",
	Long:  `Lists USB block devices. With --query only matching devices are shown.`,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print devices as JSON")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	ctx := context.Background()

	q, err := query.Parse(cfg.Query)
	if err != nil {
		return err
	}

	enum, _, err := newMonitor(cfg)
	if err != nil {
		return errors.Wrap(err, "device discovery unavailable")
	}

	devices, err := enum.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	devices = q.Filter(devices)

	if listJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No devices found")
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), renderDevices(devices))
	return nil
}
