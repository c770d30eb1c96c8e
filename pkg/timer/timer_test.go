package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDueAt(t *testing.T) {
	t.Parallel()

	from := time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC)

	testCases := []struct {
		name       string
		expression string
		expected   time.Time
	}{
		{name: "duration", expression: "90s", expected: from.Add(90 * time.Second)},
		{name: "zero duration", expression: "0s", expected: from},
		{name: "cron", expression: "0 9 * * *", expected: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)},
		{name: "cron prefix", expression: "cron: 0 10 * * *", expected: time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)},
		{name: "descriptor", expression: "@hourly", expected: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			due, err := DueAt(tc.expression, from)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, due)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	for _, expression := range []string{"", "   ", "-5s", "not a timer", "cron: 61 * * * *"} {
		_, err := Parse(expression)
		require.Error(t, err, expression)
		assert.ErrorIs(t, err, ErrInvalidTimer)
	}
}
