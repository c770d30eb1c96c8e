// Package timer parses timer expressions used by timer activities and
// boundary timers and computes their due times.
package timer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidTimer is returned when a timer expression is neither a duration
// nor a cron expression.
var ErrInvalidTimer = errors.New("invalid timer expression")

// Timer computes the next due time of a timer expression.
type Timer interface {
	Next(from time.Time) time.Time
}

type durationTimer time.Duration

func (d durationTimer) Next(from time.Time) time.Time {
	return from.Add(time.Duration(d))
}

// cronParser accepts the standard 5-field cron format and descriptors such as @hourly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse reads a Go duration ("30s", "2h") or a cron expression ("0 9 * * 1-5").
// Expressions prefixed with "cron:" are always parsed as cron.
func Parse(expression string) (Timer, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidTimer)
	}

	if spec, ok := strings.CutPrefix(expression, "cron:"); ok {
		return parseCron(strings.TrimSpace(spec))
	}

	if d, err := time.ParseDuration(expression); err == nil {
		if d < 0 {
			return nil, fmt.Errorf("%w: negative duration %s", ErrInvalidTimer, expression)
		}

		return durationTimer(d), nil
	}

	return parseCron(expression)
}

func parseCron(spec string) (Timer, error) {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidTimer, spec, err)
	}

	return schedule, nil
}

// DueAt parses the expression and returns its first due time after from.
func DueAt(expression string, from time.Time) (time.Time, error) {
	t, err := Parse(expression)
	if err != nil {
		return time.Time{}, err
	}

	return t.Next(from).UTC(), nil
}

// Validate reports whether the expression can be parsed.
func Validate(expression string) error {
	_, err := Parse(expression)

	return err
}
