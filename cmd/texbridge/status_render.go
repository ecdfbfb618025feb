package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"texbridge/internal/ipc"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 14
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := fmt.Sprintf("[%s]", statusKindLabel(kind))
	if message != "" {
		statusText += " " + message
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// bridgeLines summarizes a status response, one labelled line per concern.
func bridgeLines(status *ipc.StatusResponse, now time.Time, colorize bool) []string {
	lines := renderSectionHeader("Bridge", colorize)
	if status == nil || !status.Running {
		return append(lines, renderStatusLine("Bridge", statusError, "Not running", colorize))
	}

	uptime := now.Sub(status.StartedAt).Truncate(time.Second)
	lines = append(lines,
		renderStatusLine("Bridge", statusOK,
			fmt.Sprintf("Running (pid %d, port %d, up %s)", status.PID, status.Port, uptime), colorize),
		renderStatusLine("Session", statusInfo, status.SessionID, colorize),
		renderStatusLine("Policy", statusInfo,
			fmt.Sprintf("%s (redact %s)", status.Policy, onOff(status.Redact)), colorize),
		renderStatusLine("Descriptor", statusInfo, status.DescriptorEndpoint, colorize),
	)

	switch peers := len(status.Peers); {
	case peers > 0:
		lines = append(lines, renderStatusLine("Metadata", statusOK,
			fmt.Sprintf("%s, %s (%s)", status.MetadataState, pluralize(peers, "peer"), strings.Join(status.Peers, ", ")), colorize))
	default:
		lines = append(lines, renderStatusLine("Metadata", statusWarn,
			fmt.Sprintf("%s, no peers at %s", status.MetadataState, status.MetadataEndpoint), colorize))
	}

	totals := status.Totals
	framesKind := statusOK
	if totals.Failed > 0 {
		framesKind = statusWarn
	}
	lines = append(lines, renderStatusLine("Frames", framesKind,
		fmt.Sprintf("%d delivered, %d dropped, %d failed, %d empty, %d in flight",
			totals.Delivered, totals.Dropped, totals.Failed, totals.Empty, status.InFlight), colorize))

	if report := status.LastReport; report != nil {
		lines = append(lines, renderStatusLine("Last window", statusInfo,
			fmt.Sprintf("%.1f fps, %d frames, avg %dus, max %dus",
				report.FPS, report.Frames, int64(math.Round(report.AvgMicros)), report.MaxMicros), colorize))
	}
	if status.SkippedWindows > 0 {
		lines = append(lines, renderStatusLine("Stats", statusWarn,
			fmt.Sprintf("%s skipped", pluralize(status.SkippedWindows, "window")), colorize))
	}
	if status.SourceEnabled {
		lines = append(lines, renderStatusLine("Source", statusInfo, "synthetic", colorize))
	}
	return lines
}

func queueTable(queues []ipc.QueueStats) string {
	rows := make([][]string, 0, len(queues))
	for _, q := range queues {
		rows = append(rows, []string{
			q.Name,
			strconv.Itoa(q.Depth),
			yesNo(q.InFlight),
			strconv.FormatUint(q.Enqueued, 10),
			strconv.FormatUint(q.Completed, 10),
			strconv.FormatUint(q.Failed, 10),
			strconv.FormatUint(q.Dropped, 10),
			strconv.FormatUint(q.Panics, 10),
		})
	}
	return renderTable(
		[]string{"Queue", "Depth", "Busy", "Enqueued", "Completed", "Failed", "Dropped", "Panics"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
