// Package cli holds terminal helpers shared by the webpeasy commands.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/fpang/webpeasy/internal/regenerate"
)

// FormatDurationShort formats a duration in a short format (M:SS or H:MM:SS).
func FormatDurationShort(d time.Duration) string {
	totalSeconds := int(d.Seconds())
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

const barWidth = 30

// FormatProgress renders one sweep progress line, e.g.
// "[#########---------------------]  30% 3/10 (2 ok, 1 failed) 0:04".
func FormatProgress(p regenerate.Progress, elapsed time.Duration) string {
	pct := 100
	if p.Total > 0 {
		pct = min(100, p.Offset*100/p.Total)
	}
	filled := pct * barWidth / 100
	return fmt.Sprintf("[%s%s] %3d%% %d/%d (%d ok, %d failed) %s",
		strings.Repeat("#", filled), strings.Repeat("-", barWidth-filled),
		pct, p.Offset, p.Total, p.Processed, p.Errors, FormatDurationShort(elapsed))
}
