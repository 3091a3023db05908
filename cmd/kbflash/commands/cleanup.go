package commands

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kbflash/kbflash/pkg/errors"
	"github.com/kbflash/kbflash/pkg/firmware"
)

var (
	cleanupDownloads bool
	cleanupState     bool
	cleanupDryRun    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove downloaded firmware and leftover state machine data",
	Long: `Clean up files kept in the work directory:
  --downloads   Remove firmware fetched from s3:// references
  --state       Remove state machine directories left by interrupted runs
Without either flag both are removed.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDownloads, "downloads", false, "Remove downloaded firmware")
	cleanupCmd.Flags().BoolVar(&cleanupState, "state", false, "Remove state machine directories")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only print what would be removed")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg := appConfig

	downloads, state := cleanupDownloads, cleanupState
	if !downloads && !state {
		downloads, state = true, true
	}

	report, err := cleanWorkDir(cfg.WorkDir, downloads, state, cleanupDryRun)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, p := range report.Paths {
		fmt.Fprintf(out, "%s %s\n", dimStyle.Render("removed"), p)
	}
	verb := "Removed"
	if cleanupDryRun {
		verb = "Would remove"
	}
	fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("%s %d item(s), %s", verb, len(report.Paths), humanize.IBytes(uint64(report.Bytes)))))
	return nil
}

type cleanupReport struct {
	Paths []string
	Bytes int64
}

// cleanWorkDir removes the downloads directory and fsm-* scratch directories.
func cleanWorkDir(workDir string, downloads, state, dryRun bool) (cleanupReport, error) {
	var targets []string
	if downloads {
		dir := firmware.DownloadsDir(workDir)
		if _, err := os.Stat(dir); err == nil {
			targets = append(targets, dir)
		}
	}
	if state {
		matches, err := filepath.Glob(filepath.Join(workDir, fsmDirPattern))
		if err != nil {
			return cleanupReport{}, errors.Wrap(err, "failed to scan work directory")
		}
		targets = append(targets, matches...)
	}

	var report cleanupReport
	for _, target := range targets {
		size := diskUsage(target)
		if !dryRun {
			if err := os.RemoveAll(target); err != nil {
				return report, errors.Wrap(err, "failed to remove "+target)
			}
		}
		report.Paths = append(report.Paths, target)
		report.Bytes += size
	}
	return report, nil
}

func diskUsage(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
