package subtitle

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var cueTimePattern = regexp.MustCompile(`^(?:(\d{1,2}):)?(\d{2}):(\d{2})[.,](\d{1,3})$`)
var assTimePattern = regexp.MustCompile(`^(\d+):(\d{2}):(\d{2})\.(\d{2})$`)

// parseCueTime parses an SRT/VTT timestamp. Both the comma and the dot
// millisecond separator are accepted; the hour field is optional (VTT allows
// MM:SS.mmm).
func parseCueTime(s string) (time.Duration, bool) {
	m := cueTimePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	hour := 0
	if m[1] != "" {
		hour, _ = strconv.Atoi(m[1])
	}
	minute, _ := strconv.Atoi(m[2])
	second, _ := strconv.Atoi(m[3])
	msRaw := m[4]
	for len(msRaw) < 3 {
		msRaw += "0"
	}
	ms, _ := strconv.Atoi(msRaw)
	if minute > 59 || second > 59 {
		return 0, false
	}
	return time.Duration(hour)*time.Hour +
		time.Duration(minute)*time.Minute +
		time.Duration(second)*time.Second +
		time.Duration(ms)*time.Millisecond, true
}

// parseCueTiming splits a "start --> end" line and parses both sides.
// Trailing cue settings (VTT positioning) after the end timestamp are ignored.
func parseCueTiming(line string) (start, end time.Duration, ok bool) {
	parts := strings.SplitN(line, "-->", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, ok = parseCueTime(parts[0])
	if !ok {
		return 0, 0, false
	}
	endRaw := strings.TrimSpace(parts[1])
	if i := strings.IndexAny(endRaw, " \t"); i >= 0 {
		endRaw = endRaw[:i]
	}
	end, ok = parseCueTime(endRaw)
	if !ok {
		return 0, 0, false
	}
	if start > end {
		return 0, 0, false
	}
	return start, end, true
}

func formatCueTime(d time.Duration, msSep byte) string {
	hour := d / time.Hour
	d -= hour * time.Hour
	minute := d / time.Minute
	d -= minute * time.Minute
	second := d / time.Second
	d -= second * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", hour, minute, second, msSep, ms)
}

func formatSRTTime(d time.Duration) string { return formatCueTime(d, ',') }
func formatVTTTime(d time.Duration) string { return formatCueTime(d, '.') }

// ParseTimestamp parses an HH:MM:SS.mmm (or comma-separated) timestamp.
// Used for timestamps that travel through provider payloads.
func ParseTimestamp(s string) (time.Duration, error) {
	d, ok := parseCueTime(s)
	if !ok {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	return d, nil
}

// FormatTimestamp renders d as HH:MM:SS.mmm.
func FormatTimestamp(d time.Duration) string { return formatVTTTime(d) }

// parseASSTime parses the H:MM:SS.cc (centisecond) timestamps used by
// ASS/SSA dialogue lines.
func parseASSTime(s string) (time.Duration, bool) {
	m := assTimePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	second, _ := strconv.Atoi(m[3])
	cs, _ := strconv.Atoi(m[4])
	if minute > 59 || second > 59 {
		return 0, false
	}
	return time.Duration(hour)*time.Hour +
		time.Duration(minute)*time.Minute +
		time.Duration(second)*time.Second +
		time.Duration(cs)*10*time.Millisecond, true
}

func formatASSTime(d time.Duration) string {
	hour := d / time.Hour
	d -= hour * time.Hour
	minute := d / time.Minute
	d -= minute * time.Minute
	second := d / time.Second
	d -= second * time.Second
	cs := d / (10 * time.Millisecond)
	return fmt.Sprintf("%d:%02d:%02d.%02d", hour, minute, second, cs)
}
