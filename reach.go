package reach

import "sync"

var (
	defaultMu        sync.Mutex
	defaultCollector *Collector
)

// Init creates the process-wide default collector. It fails if one already
// exists; call [Teardown] first to replace it.
func Init(cfg Config) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultCollector != nil {
		return ErrAlreadyInitialized
	}

	c, err := New(cfg)
	if err != nil {
		return err
	}

	defaultCollector = c

	return nil
}

// Default returns the process-wide collector, or nil before [Init].
func Default() *Collector {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	return defaultCollector
}

// Teardown shuts the default collector down and clears it. Safe to call
// when no default exists.
func Teardown() {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultCollector != nil {
		defaultCollector.Shutdown()
		defaultCollector = nil
	}
}
