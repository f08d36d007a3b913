package butlercfg_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tzeusy/butlers/internal/butlercfg"
)

const minimalRoster = `
apiVersion: butlers/v1
switchboard:
  listenAddr: ":8080"
defaults:
  runtimeAdapter:
    variant: claude-code
    binaryPath: claude
  invokeTimeout: 2m
  sandbox: process
  coreCredentials: ["ANTHROPIC_API_KEY"]
butlers:
  - name: billing
    listenAddr: ":9001"
    routeContract:
      min: 1
      max: 1
`

const twoButlerRoster = `
apiVersion: butlers/v1
switchboard:
  listenAddr: ":8080"
defaults:
  runtimeAdapter:
    variant: claude-code
    binaryPath: claude
  invokeTimeout: 2m
  sandbox: process
butlers:
  - name: billing
    listenAddr: ":9001"
  - name: frontdesk
    listenAddr: ":9002"
    isMessenger: true
    runtimeAdapter:
      variant: codex
      binaryPath: codex
    tasks:
      - name: morning-rollup
        cron: "0 7 * * *"
        dispatchMode: job
        jobName: rollup
`

func TestApplyMergesDefaultsIntoEachButler(t *testing.T) {
	l := butlercfg.New()
	require.NoError(t, l.Apply([]byte(minimalRoster)))

	r := l.Roster()
	require.NotNil(t, r)
	require.Len(t, r.Butlers, 1)

	b := r.Butlers[0]
	require.Equal(t, "billing", b.Schema) // defaults to Name when unset
	require.Equal(t, "claude-code", b.RuntimeAdapter.Variant)
	require.Equal(t, "claude", b.RuntimeAdapter.BinaryPath)
	require.Equal(t, 2*time.Minute, butlercfg.Duration(b.InvokeTimeout, 0))
	require.Equal(t, "process", b.Sandbox)
	require.Equal(t, []string{"ANTHROPIC_API_KEY"}, b.CoreCredentials)
}

func TestApplyPreservesPerButlerOverrides(t *testing.T) {
	l := butlercfg.New()
	require.NoError(t, l.Apply([]byte(twoButlerRoster)))

	r := l.Roster()
	require.Len(t, r.Butlers, 2)

	var frontdesk butlercfg.Butler
	for _, b := range r.Butlers {
		if b.Name == "frontdesk" {
			frontdesk = b
		}
	}
	require.Equal(t, "codex", frontdesk.RuntimeAdapter.Variant)
	require.True(t, frontdesk.IsMessenger)
	require.Len(t, frontdesk.Tasks, 1)
	require.Equal(t, "job", frontdesk.Tasks[0].DispatchMode)

	var billing butlercfg.Butler
	for _, b := range r.Butlers {
		if b.Name == "billing" {
			billing = b
		}
	}
	require.Equal(t, "claude-code", billing.RuntimeAdapter.Variant) // inherited from defaults
}

func TestApplyRejectsInvalidRoster(t *testing.T) {
	l := butlercfg.New()
	err := l.Apply([]byte(`
apiVersion: butlers/v1
switchboard:
  listenAddr: ":8080"
butlers:
  - name: billing
    listenAddr: ":9001"
    runtimeAdapter:
      variant: not-a-real-variant
      binaryPath: x
`))
	require.Error(t, err)
	require.Nil(t, l.Roster())
}

func TestApplyLeavesPriorRosterIntactOnReloadFailure(t *testing.T) {
	l := butlercfg.New()
	require.NoError(t, l.Apply([]byte(minimalRoster)))
	firstHash := l.Hash()

	err := l.Apply([]byte(`apiVersion: wrong`))
	require.Error(t, err)
	require.Equal(t, firstHash, l.Hash())
	require.Len(t, l.Roster().Butlers, 1)
}

func TestHashChangesOnReload(t *testing.T) {
	l := butlercfg.New()
	require.NoError(t, l.Apply([]byte(minimalRoster)))
	first := l.Hash()

	require.NoError(t, l.Apply([]byte(twoButlerRoster)))
	require.NotEqual(t, first, l.Hash())
}
