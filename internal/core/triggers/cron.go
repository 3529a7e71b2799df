package triggers

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression:
// minute hour day-of-month month day-of-week.
// Supported per field: *, */N steps, exact values, N-M ranges, and
// comma-separated lists of the latter two.
type Schedule struct {
	fields [5]cronField
}

type cronField struct {
	wildcard bool
	step     int
	values   []int
	ranges   [][2]int
}

var fieldBounds = [5]struct {
	name string
	min  int
	max  int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day", 1, 31},
	{"month", 1, 12},
	{"weekday", 0, 6},
}

// ParseSchedule validates a cron expression and returns its compiled
// form.
func ParseSchedule(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron expression must have exactly 5 fields (minute hour day month weekday)")
	}

	var s Schedule
	for i, part := range parts {
		field, err := parseField(part, fieldBounds[i].min, fieldBounds[i].max, fieldBounds[i].name)
		if err != nil {
			return nil, err
		}
		s.fields[i] = field
	}
	return &s, nil
}

// Matches reports whether the schedule fires at t, with minute
// granularity.
func (s *Schedule) Matches(t time.Time) bool {
	values := [5]int{t.Minute(), t.Hour(), t.Day(), int(t.Month()), int(t.Weekday())}
	for i, field := range s.fields {
		if !field.matches(values[i]) {
			return false
		}
	}
	return true
}

func (f cronField) matches(value int) bool {
	if f.wildcard {
		return true
	}
	if f.step > 0 {
		return value%f.step == 0
	}
	for _, v := range f.values {
		if v == value {
			return true
		}
	}
	for _, r := range f.ranges {
		if value >= r[0] && value <= r[1] {
			return true
		}
	}
	return false
}

func parseField(part string, min, max int, name string) (cronField, error) {
	if part == "*" {
		return cronField{wildcard: true}, nil
	}

	if rest, ok := strings.CutPrefix(part, "*/"); ok {
		step, err := strconv.Atoi(rest)
		if err != nil || step <= 0 {
			return cronField{}, fmt.Errorf("invalid step value in %s field: %s", name, part)
		}
		return cronField{step: step}, nil
	}

	var field cronField
	for _, item := range strings.Split(part, ",") {
		if low, high, ok := strings.Cut(item, "-"); ok {
			lo, err1 := strconv.Atoi(low)
			hi, err2 := strconv.Atoi(high)
			if err1 != nil || err2 != nil {
				return cronField{}, fmt.Errorf("invalid range in %s field: %s", name, item)
			}
			if lo < min || hi > max || lo > hi {
				return cronField{}, fmt.Errorf("range out of bounds in %s field: %s (allowed %d-%d)", name, item, min, max)
			}
			field.ranges = append(field.ranges, [2]int{lo, hi})
			continue
		}

		n, err := strconv.Atoi(item)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid value in %s field: %s", name, item)
		}
		if n < min || n > max {
			return cronField{}, fmt.Errorf("value out of range in %s field: %d (allowed %d-%d)", name, n, min, max)
		}
		field.values = append(field.values, n)
	}
	return field, nil
}
