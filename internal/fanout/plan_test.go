package fanout

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tzeusy/butlers/internal/classifier"
)

func entries(butlers ...string) []classifier.Entry {
	var out []classifier.Entry
	for _, b := range butlers {
		out = append(out, classifier.Entry{Butler: b, Prompt: "do " + b})
	}
	return out
}

func TestBuildPlanDefaults(t *testing.T) {
	plan, err := BuildPlan(uuid.New(), entries("health", "calendar"), Hints{})
	require.NoError(t, err)
	require.Equal(t, ModeParallel, plan.Mode)
	require.Equal(t, JoinWaitForAll, plan.JoinPolicy)
	require.Equal(t, AbortContinue, plan.AbortPolicy)
	require.Len(t, plan.Subrequests, 2)
	for _, s := range plan.Subrequests {
		require.Equal(t, RunIfAlways, s.RunIf)
		require.False(t, s.Required)
	}
}

func TestBuildPlanAppliesHints(t *testing.T) {
	reqID := uuid.New()
	plan, err := BuildPlan(reqID, entries("health", "calendar"), Hints{
		Mode:        ModeOrdered,
		JoinPolicy:  JoinFirstSuccess,
		AbortPolicy: AbortOnAnyFailure,
		PerButler: map[string]SubrequestHint{
			"calendar": {DependsOn: []string{reqID.String() + "-0"}, RunIf: RunIfSuccess, Required: true},
		},
	})
	require.NoError(t, err)
	require.Equal(t, ModeOrdered, plan.Mode)
	require.Equal(t, JoinFirstSuccess, plan.JoinPolicy)
	require.Equal(t, AbortOnAnyFailure, plan.AbortPolicy)

	var calendar Subrequest
	for _, s := range plan.Subrequests {
		if s.Butler == "calendar" {
			calendar = s
		}
	}
	require.Equal(t, []string{reqID.String() + "-0"}, calendar.DependsOn)
	require.Equal(t, RunIfSuccess, calendar.RunIf)
	require.True(t, calendar.Required)
}

func TestBuildPlanRejectsUnknownDependency(t *testing.T) {
	_, err := BuildPlan(uuid.New(), entries("health"), Hints{
		PerButler: map[string]SubrequestHint{"health": {DependsOn: []string{"nonexistent-9"}}},
	})
	require.Error(t, err)
}

func TestBuildPlanRejectsCycle(t *testing.T) {
	reqID := uuid.New()
	subA := reqID.String() + "-0"
	subB := reqID.String() + "-1"
	_, err := BuildPlan(reqID, entries("health", "calendar"), Hints{
		PerButler: map[string]SubrequestHint{
			"health":   {DependsOn: []string{subB}},
			"calendar": {DependsOn: []string{subA}},
		},
	})
	require.Error(t, err)
}
