package poller

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	// SecondOptional allows both 5-field and 6-field (with seconds) specs.
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule accepts:
//   - cron: "*/5 * * * *", "@hourly", "@every 5m"
//   - a Go duration: "5m", "1h30m"
//   - HH:MM as an interval: "00:05", "01:30"
//
// "cron:" and "every:" prefixes force one interpretation.
func ParseSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(strings.TrimSpace(s[len("every:"):]))
		if err != nil {
			return nil, err
		}
		return cron.Every(d), nil
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	}
	d, err := parseInterval(s)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or a duration like '5m')", raw)
	}
	return cron.Every(d), nil
}

func parseCron(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return sched, nil
}

func parseInterval(v string) (time.Duration, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		var hh int
		for i := 0; i < len(m[1]); i++ {
			hh = hh*10 + int(m[1][i]-'0')
		}
		mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
