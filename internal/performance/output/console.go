// Package output renders live progress and the final summary of a run.
package output

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/PoyrazK/cloudload/internal/performance/engine"
	"github.com/PoyrazK/cloudload/internal/performance/metrics"
)

// Cursor control
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"
)

const (
	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	// Progress tracking
	Progress  float64       // 0.0 to 1.0
	Elapsed   time.Duration // Time elapsed since run start
	Remaining time.Duration // Time left in the stage plan

	// VU stats
	ActiveVUs int
	TargetVUs int
	Clamped   bool // target is above maxVUs

	// Request stats
	CurrentRPS    float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64 // 0.0 to 1.0
	Iterations    int64

	// Latency stats
	LatencyP95 time.Duration
	LatencyAvg time.Duration

	// Phase info
	CurrentPhase string
	CurrentStage int // 1-indexed
	StageName    string
	TotalStages  int

	// Breached lists advisory threshold failures
	Breached []string
}

// palette holds the colors of one ConsoleOutput so that colors can be
// switched off per writer rather than process-wide.
type palette struct {
	bold, dim           *color.Color
	green, yellow, red  *color.Color
	blue, cyan, magenta *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		bold:    color.New(color.Bold),
		dim:     color.New(color.Faint),
		green:   color.New(color.FgGreen),
		yellow:  color.New(color.FgYellow),
		red:     color.New(color.FgRed),
		blue:    color.New(color.FgBlue),
		cyan:    color.New(color.FgCyan),
		magenta: color.New(color.FgMagenta),
	}
	for _, c := range []*color.Color{p.bold, p.dim, p.green, p.yellow, p.red, p.blue, p.cyan, p.magenta} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// ConsoleOutput manages live console output during a run.
type ConsoleOutput struct {
	testName      string
	totalDuration time.Duration
	writer        io.Writer
	isTTY         bool
	quiet         bool
	colors        palette

	mu          sync.Mutex
	lastStats   *LiveStats
	linesOutput int // lines of the live display currently on screen
}

// ConsoleOutputConfig contains configuration for ConsoleOutput.
type ConsoleOutputConfig struct {
	TestName      string
	TotalDuration time.Duration
	Writer        io.Writer
	Quiet         bool
	ForceColors   bool
	ForceTTY      bool
	NoColor       bool
}

// NewConsoleOutput creates a new console output handler.
func NewConsoleOutput(cfg ConsoleOutputConfig) *ConsoleOutput {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	isTTY := cfg.ForceTTY || isTerminal(cfg.Writer)
	useColors := !cfg.NoColor && (cfg.ForceColors || (isTTY && !color.NoColor))

	return &ConsoleOutput{
		testName:      cfg.TestName,
		totalDuration: cfg.TotalDuration,
		writer:        cfg.Writer,
		isTTY:         isTTY,
		quiet:         cfg.Quiet,
		colors:        newPalette(useColors),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// PrintHeader prints the run header.
func (c *ConsoleOutput) PrintHeader() {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	c.writeln(c.colors.cyan.Sprint(line))
	c.writeln(c.colors.bold.Sprintf("%s - Running [%s]", c.testName, formatDuration(c.totalDuration)))
	c.writeln(c.colors.cyan.Sprint(line))
	c.writeln("")
}

// Update redraws the live display. Non-terminal writers get one status
// line per call instead.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet || stats == nil {
		return
	}
	if !c.isTTY {
		c.PrintNonInteractiveUpdate(stats)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastStats = stats
	c.clearLive()

	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// clearLive erases the live display. Callers hold c.mu.
func (c *ConsoleOutput) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	p := c.colors
	var lines []string

	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))
	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		p.green.Sprint(renderProgressBar(stats.Progress, 40)),
		p.bold.Sprintf("%.0f%%", stats.Progress*100),
		p.dim.Sprint(timeInfo)))

	phaseInfo := stats.CurrentPhase
	if stats.TotalStages > 0 && stats.CurrentStage > 0 {
		phaseInfo = fmt.Sprintf("%s (%d/%d)", stats.CurrentPhase, stats.CurrentStage, stats.TotalStages)
		if stats.StageName != "" {
			phaseInfo += " " + stats.StageName
		}
	}
	lines = append(lines, fmt.Sprintf("Stage:    %s", p.magenta.Sprint(phaseInfo)))
	lines = append(lines, "")

	boxWidth := 55
	lines = append(lines, p.dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	target := fmt.Sprintf("%d", stats.TargetVUs)
	if stats.Clamped {
		target = p.yellow.Sprintf("%d (max)", stats.TargetVUs)
	}
	vusStr := fmt.Sprintf("VUs:     %s / %s", p.cyan.Sprintf("%d", stats.ActiveVUs), target)
	reqsStr := fmt.Sprintf("Requests:    %s", p.cyan.Sprint(formatNumber(stats.TotalRequests)))
	lines = append(lines, c.formatBoxRow(vusStr, reqsStr, boxWidth))

	errColor := c.rateColor(1 - stats.ErrorRate)
	rpsStr := fmt.Sprintf("RPS:     %s", p.green.Sprintf("%.1f", stats.CurrentRPS))
	errStr := fmt.Sprintf("Errors:      %s (%s)",
		errColor.Sprintf("%d", stats.Errors),
		errColor.Sprintf("%.1f%%", stats.ErrorRate*100))
	lines = append(lines, c.formatBoxRow(rpsStr, errStr, boxWidth))

	p95Str := fmt.Sprintf("P95:     %s", p.blue.Sprint(formatDurationShort(stats.LatencyP95)))
	avgStr := fmt.Sprintf("Avg:         %s", p.blue.Sprint(formatDurationShort(stats.LatencyAvg)))
	lines = append(lines, c.formatBoxRow(p95Str, avgStr, boxWidth))

	lines = append(lines, p.dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))

	for _, b := range stats.Breached {
		lines = append(lines, p.yellow.Sprintf("! %s", b))
	}

	return lines
}

// formatBoxRow formats a two-column row inside the stats box.
func (c *ConsoleOutput) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2

	leftPadding := max(colWidth-visibleLen(left), 0)
	rightPadding := max(colWidth-visibleLen(right), 0)

	border := c.colors.dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		border,
		left, strings.Repeat(" ", leftPadding),
		border,
		right, strings.Repeat(" ", rightPadding),
		border)
}

func renderProgressBar(progress float64, width int) string {
	progress = min(max(progress, 0), 1)
	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// rateColor grades a success rate.
func (c *ConsoleOutput) rateColor(rate float64) *color.Color {
	switch {
	case rate < 0.95:
		return c.colors.red
	case rate < 0.99:
		return c.colors.yellow
	default:
		return c.colors.green
	}
}

// PrintSummary prints the final run summary.
func (c *ConsoleOutput) PrintSummary(result *engine.Result) {
	p := c.colors
	if c.quiet {
		if result.Passed {
			c.writeln(p.green.Sprint("PASSED"))
		} else {
			c.writeln(p.red.Sprint("FAILED"))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLive()
	}

	line := strings.Repeat(boxHorizontal, 56)
	status := p.green.Sprint("Completed ✓")
	if !result.Passed {
		status = p.red.Sprint("Failed ✗")
	}
	if result.Interrupted {
		status += " " + p.yellow.Sprint("(interrupted)")
	}

	c.writeln("")
	c.writeln(p.cyan.Sprint(line))
	c.writeln(fmt.Sprintf("%s - %s", p.bold.Sprint(result.Name), status))
	c.writeln(p.cyan.Sprint(line))
	c.writeln("")

	c.writeln(fmt.Sprintf("Duration:      %s", p.cyan.Sprint(formatDuration(result.Duration))))
	if result.Profile != "" {
		c.writeln(fmt.Sprintf("Profile:       %s", p.cyan.Sprint(result.Profile)))
	}

	snap := result.Metrics
	if snap == nil {
		c.writeln("")
		c.printVerdicts(result)
		return
	}

	successRate := 1.0
	if snap.TotalRequests > 0 {
		successRate = 1.0 - snap.ErrorRate
	}
	c.writeln(fmt.Sprintf("Total Reqs:    %s", p.cyan.Sprint(formatNumber(snap.TotalRequests))))
	c.writeln(fmt.Sprintf("Success Rate:  %s", c.rateColor(successRate).Sprintf("%.1f%%", successRate*100)))
	c.writeln(fmt.Sprintf("Throughput:    %s", p.cyan.Sprintf("%.1f req/s", snap.RPS)))
	c.writeln(fmt.Sprintf("Iterations:    %s", p.cyan.Sprint(formatNumber(snap.Iterations))))
	c.writeln(fmt.Sprintf("Peak VUs:      %s", p.cyan.Sprintf("%d", snap.PeakVUs)))
	c.writeln("")

	c.writeln(p.bold.Sprint("Latency Distribution:"))
	c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(snap.Latency.Min)))
	c.writeln(fmt.Sprintf("  Avg:       %s", formatDurationShort(snap.Latency.Mean)))
	c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(snap.Latency.P50)))
	c.writeln(fmt.Sprintf("  P90:       %s", formatDurationShort(snap.Latency.P90)))
	c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(snap.Latency.P95)))
	c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(snap.Latency.P99)))
	c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(snap.Latency.Max)))
	c.writeln("")

	if len(snap.Requests) > 0 {
		c.writeln(p.bold.Sprint("Requests:"))
		for _, name := range sortedKeys(snap.Requests) {
			rs := snap.Requests[name]
			c.writeln(fmt.Sprintf("  %-20s %8s reqs  %s failed  p95 %s",
				name,
				formatNumber(rs.Count),
				c.rateColor(1-rs.ErrorRate).Sprintf("%5.1f%%", rs.ErrorRate*100),
				formatDurationShort(rs.Latency.P95)))
		}
		c.writeln("")
	}

	if len(snap.Checks) > 0 {
		c.writeln(p.bold.Sprint("Checks:"))
		for _, label := range sortedKeys(snap.Checks) {
			cs := snap.Checks[label]
			mark := p.green.Sprint("✓")
			if cs.Fails > 0 {
				mark = p.red.Sprint("✗")
			}
			c.writeln(fmt.Sprintf("  %s %-20s %s  (%d / %d)",
				mark, label,
				c.rateColor(cs.Rate()).Sprintf("%.1f%%", cs.Rate()*100),
				cs.Passes, cs.Passes+cs.Fails))
		}
		c.writeln("")
	}

	c.printVerdicts(result)
}

func (c *ConsoleOutput) printVerdicts(result *engine.Result) {
	if len(result.Verdicts) == 0 {
		return
	}
	p := c.colors
	c.writeln(p.bold.Sprint("Thresholds:"))
	for _, v := range result.Verdicts {
		mark := p.green.Sprint("✓")
		if !v.Passed {
			mark = p.red.Sprint("✗")
		}
		c.writeln(fmt.Sprintf("  %s %s", mark, v.Message))
	}
	c.writeln("")
}

// PrintNonInteractiveUpdate prints one status line, for CI logs and pipes.
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] Progress: %.0f%% | Stage: %s | VUs: %d/%d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.CurrentPhase,
		stats.ActiveVUs,
		stats.TargetVUs,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100,
		formatDurationShort(stats.LatencyP95)))
}

// IsTTY returns whether the output is a terminal.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// StatsFromTick builds the live display state from an engine tick.
func StatsFromTick(t engine.Tick) *LiveStats {
	stats := &LiveStats{
		Elapsed:      t.Elapsed,
		CurrentPhase: string(metrics.PhaseInit),
	}

	if s := t.Stats; s != nil {
		stats.TargetVUs = s.TargetVUs
		stats.Clamped = s.Clamped
		stats.TotalStages = s.TotalStages
		stats.CurrentStage = s.CurrentStage + 1
		stats.StageName = s.CurrentStageName
		if s.TotalDuration > 0 {
			stats.Progress = min(float64(t.Elapsed)/float64(s.TotalDuration), 1)
			stats.Remaining = max(s.TotalDuration-t.Elapsed, 0)
		}
	}

	if snap := t.Snapshot; snap != nil {
		stats.ActiveVUs = snap.ActiveVUs
		stats.CurrentRPS = snap.RPS
		stats.TotalRequests = snap.TotalRequests
		stats.Errors = snap.FailedRequests
		stats.ErrorRate = snap.ErrorRate
		stats.Iterations = snap.Iterations
		stats.LatencyP95 = snap.Latency.P95
		stats.LatencyAvg = snap.Latency.Mean
		if snap.CurrentPhase != "" {
			stats.CurrentPhase = string(snap.CurrentPhase)
		}
	}

	for _, v := range t.Verdicts {
		if !v.Passed {
			stats.Breached = append(stats.Breached, v.Message)
		}
	}
	return stats
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

// formatDurationShort formats a latency.
func formatDurationShort(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return "0ms"
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	default:
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	sign := ""
	if n < 0 {
		sign, str = "-", str[1:]
	}
	if len(str) <= 3 {
		return sign + str
	}

	var b strings.Builder
	b.WriteString(sign)
	offset := len(str) % 3
	if offset > 0 {
		b.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(str[i : i+3])
	}
	return b.String()
}

// visibleLen is the printed width of s, ignoring ANSI sequences.
func visibleLen(s string) int {
	return len([]rune(stripANSI(s)))
}

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	var b strings.Builder
	inEscape := false
	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') {
				inEscape = false
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
