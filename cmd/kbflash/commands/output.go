package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/kbflash/kbflash/pkg/device"
	"github.com/kbflash/kbflash/pkg/orchestrator"
	"github.com/kbflash/kbflash/pkg/query"
)

var (
	okColor    = lipgloss.Color("#9ece6a")
	failColor  = lipgloss.Color("#f7768e")
	warnColor  = lipgloss.Color("#e0af68")
	dimColor   = lipgloss.Color("#565f89")
	titleColor = lipgloss.Color("#7aa2f7")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(titleColor)
	okStyle    = lipgloss.NewStyle().Foreground(okColor)
	failStyle  = lipgloss.NewStyle().Foreground(failColor)
	warnStyle  = lipgloss.NewStyle().Foreground(warnColor)
	dimStyle   = lipgloss.NewStyle().Foreground(dimColor)
)

const deviceRowFormat = "%-12s %-14s %-16s %-26s %-12s %9s  %s"

func renderDevices(devices []device.BlockDevice) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf(deviceRowFormat, "PATH", "VENDOR", "MODEL", "SERIAL", "LABEL", "SIZE", "MOUNTED")))
	b.WriteString("\n")
	for _, d := range devices {
		mounted := strings.Join(d.MountPaths(), ",")
		if mounted == "" {
			mounted = "-"
		}
		b.WriteString(fmt.Sprintf(deviceRowFormat,
			d.Path, orDash(d.Vendor), orDash(d.Model), orDash(d.Serial), orDash(d.Label),
			humanize.IBytes(uint64(d.Size)), mounted))
		b.WriteString("\n")
	}
	return b.String()
}

func renderEvent(action device.Action, dev device.BlockDevice, q query.Query) string {
	marker := " "
	if q.Matches(dev) {
		marker = okStyle.Render("*")
	}

	var verb string
	switch action {
	case device.ActionAdd:
		verb = okStyle.Render("+ added  ")
	case device.ActionRemove:
		verb = warnStyle.Render("- removed")
	default:
		verb = dimStyle.Render("  present")
	}
	return fmt.Sprintf("%s %s %s (%s)", marker, verb, dev.Summary(), humanize.IBytes(uint64(dev.Size)))
}

func renderSession(res *orchestrator.SessionResult) string {
	var b strings.Builder

	status := okStyle.Render("SUCCESS")
	if !res.Success {
		status = failStyle.Render("FAILED")
	}
	fmt.Fprintf(&b, "%s  flashed=%d failed=%d  %s  session %s\n",
		status, res.DevicesFlashed, res.DevicesFailed,
		dimStyle.Render(res.Duration.Round(time.Millisecond).String()), res.SessionID)

	for _, d := range res.Details {
		mark := okStyle.Render("✓")
		if !d.Success {
			mark = failStyle.Render("✗")
		}
		fmt.Fprintf(&b, "  %s %s  mount=%d copy=%d  %s\n", mark, d.Device, d.MountAttempts, d.CopyAttempts, dimStyle.Render(d.FinalState))
	}
	for _, m := range res.Messages {
		fmt.Fprintf(&b, "  %s\n", m)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(&b, "  %s\n", failStyle.Render(e))
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
