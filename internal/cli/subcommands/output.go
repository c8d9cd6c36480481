package subcommands

import (
	"fmt"
	"strings"
	"time"

	"Lumen/internal/runtime"
)

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
)

// splitList parses a comma separated flag value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// truncateString truncates a string to maxLen bytes.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// formatStats renders generation statistics on one line.
func formatStats(s runtime.Stats, finish string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "eval=%d gen=%d cached=%d", s.TokensEvaluated, s.TokensGenerated, s.TokensCached)
	if s.MediaTokens > 0 {
		fmt.Fprintf(&b, " media=%d", s.MediaTokens)
	}
	if s.TTFT > 0 {
		fmt.Fprintf(&b, " ttft=%s", s.TTFT.Truncate(time.Millisecond))
	}
	if s.GenerationTPS > 0 {
		fmt.Fprintf(&b, " tps=%.1f", s.GenerationTPS)
	}
	if finish != "" {
		fmt.Fprintf(&b, " finish=%s", finish)
	}
	return b.String()
}

func runCLISpinner(done chan struct{}, message string) {
	spinnerChars := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	i := 0
	for {
		select {
		case <-done:
			return
		default:
			fmt.Printf("\r%s%s %s...%s", colorCyan, spinnerChars[i], message, colorReset)
			i = (i + 1) % len(spinnerChars)
			time.Sleep(100 * time.Millisecond)
		}
	}
}
