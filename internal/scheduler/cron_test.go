package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseExprRejectsWrongFieldCount(t *testing.T) {
	_, err := ParseExpr("* * *")
	require.Error(t, err)
}

func TestNextEveryMinute(t *testing.T) {
	expr, err := ParseExpr("* * * * *")
	require.NoError(t, err)

	after := time.Date(2026, 7, 31, 10, 0, 30, 0, time.UTC)
	next, ok := expr.Next(after)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 7, 31, 10, 1, 0, 0, time.UTC), next)
}

func TestNextDailyAtMidnight(t *testing.T) {
	expr, err := ParseExpr("0 0 * * *")
	require.NoError(t, err)

	after := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	next, ok := expr.Next(after)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), next)
}

func TestNextStepExpression(t *testing.T) {
	expr, err := ParseExpr("*/15 * * * *")
	require.NoError(t, err)

	after := time.Date(2026, 7, 31, 10, 1, 0, 0, time.UTC)
	next, ok := expr.Next(after)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 7, 31, 10, 15, 0, 0, time.UTC), next)
}

func TestButlerOffsetBoundedByHalfInterval(t *testing.T) {
	offset := ButlerOffset("health", 10*time.Minute)
	require.Less(t, offset, 5*time.Minute+1)
	require.GreaterOrEqual(t, offset, time.Duration(0))
}

func TestButlerOffsetNeverExceeds15Minutes(t *testing.T) {
	offset := ButlerOffset("relationship", time.Hour)
	require.Less(t, offset, 15*time.Minute+1)
}

func TestButlerOffsetIsDeterministic(t *testing.T) {
	a := ButlerOffset("health", time.Hour)
	b := ButlerOffset("health", time.Hour)
	require.Equal(t, a, b)
}
