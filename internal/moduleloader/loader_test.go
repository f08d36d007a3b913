package moduleloader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tzeusy/butlers/internal/tools"
)

type fakeModule struct {
	name     string
	deps     []string
	startErr error
	started  bool
	shutdown bool
	order    *[]string
}

func (m *fakeModule) Name() string              { return m.name }
func (m *fakeModule) Dependencies() []string     { return m.deps }
func (m *fakeModule) MigrationRevisions() string { return "" }
func (m *fakeModule) OnStartup(context.Context) error {
	m.started = true
	return m.startErr
}
func (m *fakeModule) OnShutdown(context.Context) error {
	m.shutdown = true
	if m.order != nil {
		*m.order = append(*m.order, m.name)
	}
	return nil
}
func (m *fakeModule) RegisterTools(*tools.Registry) error { return nil }

func TestStartRunsInDependencyOrder(t *testing.T) {
	base := &fakeModule{name: "calendar"}
	dependent := &fakeModule{name: "reminders", deps: []string{"calendar"}}

	l := New([]Module{dependent, base})
	require.NoError(t, l.Start(context.Background(), tools.New()))

	require.Equal(t, StatusRunning, l.Status("calendar"))
	require.Equal(t, StatusRunning, l.Status("reminders"))
}

func TestFailedModuleCascades(t *testing.T) {
	base := &fakeModule{name: "calendar", startErr: errors.New("boom")}
	dependent := &fakeModule{name: "reminders", deps: []string{"calendar"}}

	l := New([]Module{dependent, base})
	require.NoError(t, l.Start(context.Background(), tools.New()))

	require.Equal(t, StatusFailed, l.Status("calendar"))
	require.Equal(t, StatusCascadeFailed, l.Status("reminders"))
	require.False(t, dependent.started)
}

func TestCircularDependencyDetected(t *testing.T) {
	a := &fakeModule{name: "a", deps: []string{"b"}}
	b := &fakeModule{name: "b", deps: []string{"a"}}

	l := New([]Module{a, b})
	err := l.Start(context.Background(), tools.New())
	require.Error(t, err)
}

func TestShutdownRunsInReverseOrder(t *testing.T) {
	var order []string
	base := &fakeModule{name: "calendar", order: &order}
	dependent := &fakeModule{name: "reminders", deps: []string{"calendar"}, order: &order}

	l := New([]Module{dependent, base})
	require.NoError(t, l.Start(context.Background(), tools.New()))

	l.Shutdown(context.Background())
	require.True(t, base.shutdown)
	require.True(t, dependent.shutdown)
	require.Equal(t, []string{"reminders", "calendar"}, order)
}
