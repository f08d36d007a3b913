package classifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tzeusy/butlers/internal/registry"
	"github.com/tzeusy/butlers/internal/runtime"
)

type fakeEligible struct {
	entries []*registry.Entry
}

func (f fakeEligible) ListEligible(context.Context) ([]*registry.Entry, error) {
	return f.entries, nil
}

func eligible(names ...string) fakeEligible {
	var out []*registry.Entry
	for _, n := range names {
		out = append(out, &registry.Entry{Name: n, EligibilityState: registry.StateActive})
	}
	return fakeEligible{entries: out}
}

func TestClassifySingleDomain(t *testing.T) {
	adapter := &runtime.Fake{Result: &runtime.InvokeResult{
		OutputText: `[{"butler":"health","prompt":"log my weight","segment":{"rationale":"whole message"}}]`,
	}}
	c := New(adapter, eligible("health", "calendar"), "switchboard", "")

	entries, err := c.Classify(context.Background(), "log my weight 180lbs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "health", entries[0].Butler)
}

func TestClassifyMultiDomain(t *testing.T) {
	adapter := &runtime.Fake{Result: &runtime.InvokeResult{
		OutputText: `[
			{"butler":"health","prompt":"log weight","segment":{"rationale":"part 1"}},
			{"butler":"calendar","prompt":"book a dentist appointment","segment":{"rationale":"part 2"}}
		]`,
	}}
	c := New(adapter, eligible("health", "calendar"), "switchboard", "")

	entries, err := c.Classify(context.Background(), "log my weight and book a dentist appointment")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestClassifyDropsIneligibleButler(t *testing.T) {
	adapter := &runtime.Fake{Result: &runtime.InvokeResult{
		OutputText: `[
			{"butler":"health","prompt":"log weight","segment":{"rationale":"r"}},
			{"butler":"quarantined-butler","prompt":"do thing","segment":{"rationale":"r"}}
		]`,
	}}
	c := New(adapter, eligible("health"), "switchboard", "")

	entries, err := c.Classify(context.Background(), "message")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "health", entries[0].Butler)
}

func TestClassifyFallsBackOnUnparseableOutput(t *testing.T) {
	adapter := &runtime.Fake{Result: &runtime.InvokeResult{OutputText: "not json at all"}}
	c := New(adapter, eligible("health"), "switchboard", "")

	entries, err := c.Classify(context.Background(), "hello there")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "general", entries[0].Butler)
	require.Equal(t, "hello there", entries[0].Prompt)
}

func TestClassifyFallsBackOnEmptyArray(t *testing.T) {
	adapter := &runtime.Fake{Result: &runtime.InvokeResult{OutputText: "[]"}}
	c := New(adapter, eligible("health"), "switchboard", "")

	entries, err := c.Classify(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "general", entries[0].Butler)
}

func TestClassifySkipsEntryMissingSegment(t *testing.T) {
	adapter := &runtime.Fake{Result: &runtime.InvokeResult{
		OutputText: `[
			{"butler":"health","prompt":"log weight","segment":{}},
			{"butler":"health","prompt":"another","segment":{"rationale":"ok"}}
		]`,
	}}
	c := New(adapter, eligible("health"), "switchboard", "")

	entries, err := c.Classify(context.Background(), "message")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "another", entries[0].Prompt)
}
