package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// schedule is a compiled 5-field cron expression
// ("minute hour day-of-month month day-of-week"), evaluated in the zone of
// the times passed to next.
type schedule struct {
	minute, hour, dom, month, dow uint64
	// Vixie cron: when both day fields are restricted a day matching either
	// one fires.
	domStar, dowStar bool
}

// parseSchedule accepts "*", "*/n", "a", "a-b", "a-b/n" and comma lists of
// those in each field. Day-of-week 7 is Sunday like 0.
func parseSchedule(expr string) (schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return schedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	var s schedule
	specs := []struct {
		name   string
		lo, hi int
		dst    *uint64
	}{
		{"minute", 0, 59, &s.minute},
		{"hour", 0, 23, &s.hour},
		{"day-of-month", 1, 31, &s.dom},
		{"month", 1, 12, &s.month},
		{"day-of-week", 0, 7, &s.dow},
	}
	for i, spec := range specs {
		mask, err := parseField(fields[i], spec.lo, spec.hi)
		if err != nil {
			return schedule{}, fmt.Errorf("%s field: %w", spec.name, err)
		}
		*spec.dst = mask
	}
	if s.dow&(1<<7) != 0 {
		s.dow |= 1
	}
	s.domStar = strings.HasPrefix(fields[2], "*")
	s.dowStar = strings.HasPrefix(fields[4], "*")
	return s, nil
}

func parseField(field string, lo, hi int) (uint64, error) {
	var mask uint64
	for _, part := range strings.Split(field, ",") {
		rng, stepStr, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", part)
			}
			step = n
		}

		from, to := lo, hi
		if rng != "*" {
			a, b, isRange := strings.Cut(rng, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return 0, fmt.Errorf("invalid value %q", part)
			}
			to = from
			if isRange {
				if to, err = strconv.Atoi(b); err != nil {
					return 0, fmt.Errorf("invalid range %q", part)
				}
			} else if hasStep {
				to = hi
			}
		}
		if from < lo || to > hi || from > to {
			return 0, fmt.Errorf("%q out of range %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			mask |= 1 << uint(v)
		}
	}
	return mask, nil
}

func has(mask uint64, v int) bool {
	return mask&(1<<uint(v)) != 0
}

func (s schedule) dayMatches(t time.Time) bool {
	dom := has(s.dom, t.Day())
	dow := has(s.dow, int(t.Weekday()))
	if !s.domStar && !s.dowStar {
		return dom || dow
	}
	return dom && dow
}

// next returns the first whole minute strictly after after that the
// schedule fires on. It gives up after four years, which covers Feb 29.
func (s schedule) next(after time.Time) (time.Time, bool) {
	loc := after.Location()
	t := after.Truncate(time.Minute).Add(time.Minute)
	end := t.AddDate(4, 0, 0)

	for t.Before(end) {
		y, m, d := t.Date()
		switch {
		case !has(s.month, int(m)):
			t = time.Date(y, m+1, 1, 0, 0, 0, 0, loc)
		case !s.dayMatches(t):
			t = time.Date(y, m, d+1, 0, 0, 0, 0, loc)
		case !has(s.hour, t.Hour()):
			t = time.Date(y, m, d, t.Hour()+1, 0, 0, 0, loc)
		case !has(s.minute, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t, true
		}
	}
	return time.Time{}, false
}

// nextCronTime parses expr and returns its next firing after after.
func nextCronTime(expr string, after time.Time) (time.Time, error) {
	s, err := parseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	next, ok := s.next(after)
	if !ok {
		return time.Time{}, fmt.Errorf("cron %q never fires", expr)
	}
	return next, nil
}
