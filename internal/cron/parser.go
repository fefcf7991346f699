// Package cron evaluates five-field cron expressions in an IANA timezone.
package cron

import (
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BlackRoad-OS/blackroad-cron/internal/domain"
)

// anchorTime anchors the "never fires" check. The underlying parser searches
// five years ahead, which always spans a leap day.
var anchorTime = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Parse validates expression and timezone and returns a Schedule bound to
// the zone. All failures are *domain.InvalidScheduleError.
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	expr := strings.TrimSpace(expression)
	if timezone == "" {
		timezone = domain.DefaultTimezone
	}
	invalid := func(reason string) error {
		return &domain.InvalidScheduleError{Expression: expression, Timezone: timezone, Reason: reason}
	}

	switch {
	case expr == "":
		return nil, invalid("expression is empty")
	case strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ="):
		return nil, invalid("timezone prefix not allowed; use the timezone field")
	case strings.HasPrefix(expr, "@"):
		return nil, invalid("descriptors are not supported")
	}
	if n := len(strings.Fields(expr)); n != 5 {
		return nil, invalid("expected 5 fields, got " + strconv.Itoa(n))
	}

	sched, err := p.parser.Parse(expr)
	if err != nil {
		return nil, invalid(err.Error())
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, invalid("unknown timezone")
	}

	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, invalid("unsupported schedule")
	}
	s := &schedule{spec: spec, loc: loc}
	if s.Next(anchorTime).IsZero() {
		return nil, invalid("expression never fires")
	}
	return s, nil
}

// NextFireTime returns the earliest instant strictly after after that
// matches expression in timezone. The result is in UTC.
func (p *Parser) NextFireTime(expression, timezone string, after time.Time) (time.Time, error) {
	s, err := p.Parse(expression, timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := s.Next(after)
	if next.IsZero() {
		return time.Time{}, &domain.InvalidScheduleError{Expression: expression, Timezone: timezone, Reason: "no fire time found"}
	}
	return next.UTC(), nil
}

// Validate reports whether expression and timezone can be evaluated.
func (p *Parser) Validate(expression, timezone string) error {
	_, err := p.Parse(expression, timezone)
	return err
}

type Schedule interface {
	Next(after time.Time) time.Time
}

// starBit marks a field written as "*" in a robfig SpecSchedule.
const starBit = 1 << 63

// maxCandidates bounds how many non-matching candidates Next steps over.
// Each DST transition produces at most a couple.
const maxCandidates = 32

type schedule struct {
	spec *cron.SpecSchedule
	loc  *time.Location
}

// Next walks in the schedule's zone so skipped and repeated DST hours are
// resolved by wall-clock arithmetic. The underlying search can land on an
// instant that no longer matches when a transition shifts the clock by
// less than an hour, so every candidate is checked against the fields.
func (s *schedule) Next(after time.Time) time.Time {
	t := after.In(s.loc)
	for range maxCandidates {
		next := s.spec.Next(t)
		if next.IsZero() || s.matches(next) {
			return next
		}
		t = next
	}
	return time.Time{}
}

func (s *schedule) matches(t time.Time) bool {
	t = t.In(s.loc)
	return t.Second() == 0 &&
		has(s.spec.Minute, t.Minute()) &&
		has(s.spec.Hour, t.Hour()) &&
		has(s.spec.Month, int(t.Month())) &&
		s.dayMatches(t)
}

// dayMatches applies the cron rule: when both day fields are restricted
// either may match, otherwise both must.
func (s *schedule) dayMatches(t time.Time) bool {
	dom := has(s.spec.Dom, t.Day())
	dow := has(s.spec.Dow, int(t.Weekday()))
	if s.spec.Dom&starBit > 0 || s.spec.Dow&starBit > 0 {
		return dom && dow
	}
	return dom || dow
}

func has(bits uint64, v int) bool {
	return bits&(1<<uint(v)) > 0
}
