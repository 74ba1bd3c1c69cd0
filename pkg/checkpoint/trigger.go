package checkpoint

import (
	"context"
	"sync"
)

// Trigger installs and removes the mechanism that re-launches the tool after
// a reboot.
type Trigger interface {
	// Install arranges for the continuation to fire at the principal's next
	// session and returns a reference Remove accepts.
	Install(ctx context.Context, c Continuation) (string, error)

	// Remove uninstalls a trigger. Removing an absent trigger succeeds.
	Remove(ctx context.Context, ref string) error
}

// NopTrigger installs nothing. Dry runs and tests use it.
type NopTrigger struct {
	mu        sync.Mutex
	installed map[string]Continuation
}

// NewNopTrigger creates a NopTrigger.
func NewNopTrigger() *NopTrigger {
	return &NopTrigger{installed: make(map[string]Continuation)}
}

// Install records the continuation.
func (t *NopTrigger) Install(_ context.Context, c Continuation) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref := "nop:" + c.RunID
	t.installed[ref] = c
	return ref, nil
}

// Remove forgets the continuation.
func (t *NopTrigger) Remove(_ context.Context, ref string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.installed, ref)
	return nil
}

// Installed returns the number of triggers currently installed.
func (t *NopTrigger) Installed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.installed)
}
