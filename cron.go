package taskmq

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed cron expression.
//
// Accepts 6 fields (second minute hour day_of_month month day_of_week) or
// the standard 5 fields with second implicitly 0.
//
// Field syntax: * | N | N-M | */S | N/S | N-M/S | comma-separated lists.
// When both day_of_month and day_of_week are set (not *), a time matches if
// either field matches, as in standard cron. Day of week runs 0-7 with both
// 0 and 7 meaning Sunday.
type CronExpr struct {
	second     []int // 0-59
	minute     []int // 0-59
	hour       []int // 0-23
	dayOfMonth []int // 1-31
	month      []int // 1-12
	dayOfWeek  []int // 0-6 (0 = Sunday)

	domSet bool
	dowSet bool

	raw string
}

type cronFieldSpec struct {
	name string
	min  int
	max  int
}

var cronFieldSpecs = [6]cronFieldSpec{
	{"second", 0, 59},
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day_of_month", 1, 31},
	{"month", 1, 12},
	{"day_of_week", 0, 7},
}

// ParseCronExpr parses a cron expression with 5 or 6 fields.
func ParseCronExpr(expr string) (*CronExpr, error) {
	expr = strings.TrimSpace(expr)
	fields := strings.Fields(expr)

	switch len(fields) {
	case 5:
		fields = append([]string{"0"}, fields...)
	case 6:
		// ok
	default:
		return nil, fmt.Errorf("cron: expected 5 or 6 fields, got %d", len(fields))
	}

	c := &CronExpr{raw: expr}
	for i, dest := range [6]*[]int{&c.second, &c.minute, &c.hour, &c.dayOfMonth, &c.month, &c.dayOfWeek} {
		vals, err := parseCronField(fields[i], cronFieldSpecs[i])
		if err != nil {
			return nil, fmt.Errorf("cron: %s: %w", cronFieldSpecs[i].name, err)
		}
		*dest = vals
	}

	c.domSet = fields[3] != "*"
	c.dowSet = fields[5] != "*"

	// 7 is an alias for Sunday.
	c.dayOfWeek = normalizeDOW(c.dayOfWeek)

	return c, nil
}

func parseCronField(field string, spec cronFieldSpec) ([]int, error) {
	if field == "*" {
		vals := make([]int, 0, spec.max-spec.min+1)
		for i := spec.min; i <= spec.max; i++ {
			vals = append(vals, i)
		}
		return vals, nil
	}

	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		vals, err := parseCronPart(part, spec)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			set[v] = true
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty field")
	}

	vals := make([]int, 0, len(set))
	for v := range set {
		vals = append(vals, v)
	}
	sort.Ints(vals)
	return vals, nil
}

func parseCronPart(part string, spec cronFieldSpec) ([]int, error) {
	var step int
	if idx := strings.IndexByte(part, '/'); idx != -1 {
		s, err := strconv.Atoi(part[idx+1:])
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid step %q", part[idx+1:])
		}
		step = s
		part = part[:idx]
	}

	var start, end int
	switch idx := strings.IndexByte(part, '-'); {
	case part == "*":
		start, end = spec.min, spec.max
	case idx != -1:
		var err error
		if start, err = strconv.Atoi(part[:idx]); err != nil {
			return nil, fmt.Errorf("invalid range start %q", part[:idx])
		}
		if end, err = strconv.Atoi(part[idx+1:]); err != nil {
			return nil, fmt.Errorf("invalid range end %q", part[idx+1:])
		}
	default:
		var err error
		if start, err = strconv.Atoi(part); err != nil {
			return nil, fmt.Errorf("invalid value %q", part)
		}
		end = start
	}

	if start < spec.min || start > spec.max {
		return nil, fmt.Errorf("value %d out of range [%d, %d]", start, spec.min, spec.max)
	}
	if end < spec.min || end > spec.max {
		return nil, fmt.Errorf("value %d out of range [%d, %d]", end, spec.min, spec.max)
	}
	if start > end {
		return nil, fmt.Errorf("range start %d > end %d", start, end)
	}

	if step == 0 {
		step = 1
	}
	vals := make([]int, 0, (end-start)/step+1)
	for i := start; i <= end; i += step {
		vals = append(vals, i)
	}
	return vals, nil
}

// normalizeDOW folds 7 into 0 and deduplicates.
func normalizeDOW(vals []int) []int {
	var has [8]bool
	for _, v := range vals {
		has[v] = true
	}
	if has[7] {
		has[0] = true
	}
	out := make([]int, 0, 7)
	for i := 0; i < 7; i++ {
		if has[i] {
			out = append(out, i)
		}
	}
	return out
}

// Next returns the first time strictly after from that matches the
// expression, searching up to 4 years ahead. Returns the zero time if no
// match exists in that window.
func (c *CronExpr) Next(from time.Time) time.Time {
	t := from.Truncate(time.Second).Add(time.Second)
	limit := from.Add(4 * 366 * 24 * time.Hour)

	for i := 0; i < 500_000 && t.Before(limit); i++ {
		if !cronInSet(c.month, int(t.Month())) {
			t = c.nextMonth(t)
			continue
		}
		if !c.matchDay(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !cronInSet(c.hour, t.Hour()) {
			t = c.nextHour(t)
			continue
		}
		if !cronInSet(c.minute, t.Minute()) {
			t = c.nextMinute(t)
			continue
		}
		if !cronInSet(c.second, t.Second()) {
			t = c.nextSecond(t)
			continue
		}
		return t
	}
	return time.Time{}
}

// matchDay applies standard cron day semantics: OR when both day fields are
// explicit, otherwise whichever is set.
func (c *CronExpr) matchDay(t time.Time) bool {
	dom := t.Day()
	dow := int(t.Weekday())

	switch {
	case c.domSet && c.dowSet:
		return cronInSet(c.dayOfMonth, dom) || cronInSet(c.dayOfWeek, dow)
	case c.domSet:
		return cronInSet(c.dayOfMonth, dom)
	case c.dowSet:
		return cronInSet(c.dayOfWeek, dow)
	}
	return true
}

func (c *CronExpr) nextMonth(t time.Time) time.Time {
	next, wrapped := cronNextInSet(c.month, int(t.Month()))
	year := t.Year()
	if wrapped {
		year++
	}
	return time.Date(year, time.Month(next), 1, 0, 0, 0, 0, t.Location())
}

func (c *CronExpr) nextHour(t time.Time) time.Time {
	next, wrapped := cronNextInSet(c.hour, t.Hour())
	day := t.Day()
	if wrapped {
		day++
	}
	return time.Date(t.Year(), t.Month(), day, next, c.minute[0], c.second[0], 0, t.Location())
}

func (c *CronExpr) nextMinute(t time.Time) time.Time {
	next, wrapped := cronNextInSet(c.minute, t.Minute())
	hour := t.Hour()
	if wrapped {
		hour++
	}
	return time.Date(t.Year(), t.Month(), t.Day(), hour, next, c.second[0], 0, t.Location())
}

func (c *CronExpr) nextSecond(t time.Time) time.Time {
	next, wrapped := cronNextInSet(c.second, t.Second())
	minute := t.Minute()
	if wrapped {
		minute++
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, next, 0, t.Location())
}

// cronInSet reports whether v is in the sorted slice vals.
func cronInSet(vals []int, v int) bool {
	i := sort.SearchInts(vals, v)
	return i < len(vals) && vals[i] == v
}

// cronNextInSet returns the smallest value in vals >= v, or vals[0] with
// wrapped=true when every value is smaller. vals must be non-empty.
func cronNextInSet(vals []int, v int) (next int, wrapped bool) {
	if len(vals) == 0 {
		panic("cronNextInSet: empty value set")
	}
	i := sort.SearchInts(vals, v)
	if i < len(vals) {
		return vals[i], false
	}
	return vals[0], true
}

// String returns the original expression text.
func (c *CronExpr) String() string {
	return c.raw
}
