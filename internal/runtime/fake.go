package runtime

import "context"

// Fake is an in-memory Adapter for tests of components that depend on
// Adapter (spawner, classifier) without spawning a real subprocess.
type Fake struct {
	Result *InvokeResult
	Err    error
	Calls  []InvokeRequest
}

// Invoke records req and returns the configured Result/Err.
func (f *Fake) Invoke(_ context.Context, req InvokeRequest) (*InvokeResult, error) {
	f.Calls = append(f.Calls, req)
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Result, nil
}

// BlockingFake blocks Invoke until Release is closed, for tests that need
// to hold a butler's serial dispatch lock while a second caller probes it.
type BlockingFake struct {
	Release <-chan struct{}
}

// Invoke blocks until Release closes, then returns an empty success result.
func (f *BlockingFake) Invoke(ctx context.Context, _ InvokeRequest) (*InvokeResult, error) {
	select {
	case <-f.Release:
		return &InvokeResult{OutputText: "ok"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
