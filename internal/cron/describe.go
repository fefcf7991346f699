package cron

import (
	"fmt"
	"strconv"
	"strings"
)

var weekdays = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// Describe renders common expression shapes as English. It returns "" for
// shapes it does not recognise; callers treat the text as decoration.
func Describe(expression string) string {
	f := strings.Fields(expression)
	if len(f) != 5 {
		return ""
	}
	minute, hour, dom, month, dow := f[0], f[1], f[2], f[3], f[4]
	if month != "*" {
		return ""
	}

	if hour == "*" && dom == "*" && dow == "*" {
		switch {
		case minute == "*":
			return "Every minute"
		case strings.HasPrefix(minute, "*/"):
			if n, ok := number(minute[2:], 1, 59); ok {
				return fmt.Sprintf("Every %d minutes", n)
			}
		default:
			if m, ok := number(minute, 0, 59); ok {
				if m == 0 {
					return "Every hour"
				}
				return fmt.Sprintf("Every hour at minute %d", m)
			}
		}
		return ""
	}

	if minute == "0" && strings.HasPrefix(hour, "*/") && dom == "*" && dow == "*" {
		if n, ok := number(hour[2:], 1, 23); ok {
			return fmt.Sprintf("Every %d hours", n)
		}
		return ""
	}

	m, okM := number(minute, 0, 59)
	h, okH := number(hour, 0, 23)
	if !okM || !okH {
		return ""
	}
	at := fmt.Sprintf("%02d:%02d", h, m)

	switch {
	case dom == "*" && dow == "*":
		return "Daily at " + at
	case dom == "*" && dow == "1-5":
		return "Weekdays at " + at
	case dom == "*":
		if d, ok := number(dow, 0, 7); ok {
			return fmt.Sprintf("Every %s at %s", weekdays[d], at)
		}
	case dow == "*":
		if d, ok := number(dom, 1, 31); ok {
			return fmt.Sprintf("Monthly on day %d at %s", d, at)
		}
	}
	return ""
}

func number(s string, lo, hi int) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}
