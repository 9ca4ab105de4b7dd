// Package format holds human-friendly formatting helpers for status and
// log output.
package format

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
)

func Bytes(n float64) string {
	return units.BytesSize(n)
}

func Duration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func Uptime(d time.Duration) string {
	return units.HumanDuration(d)
}

func Percent(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}
