package clone

import "fmt"

// ConfigError reports an illegal combination of transaction settings,
// discovered while building the snapshot descriptor. The transaction
// stays at INITIALIZED; fix the configuration and start over.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid clone configuration: " + e.Reason
}

// ProviderError wraps a failure surfaced by the hypervisor during
// snapshot creation or block commit. The transaction is FAILED once one
// of these is returned.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("hypervisor %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CleanupError reports delta files that could not be deleted after a
// functionally successful commit. The transaction is FINISHED when this
// is returned: the data is committed, only the cleanup is incomplete.
type CleanupError struct {
	// Failed is the number of delta files left behind.
	Failed int

	// First is the first deletion error encountered.
	First error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("failed deleting %d delta files: %v", e.Failed, e.First)
}

func (e *CleanupError) Unwrap() error { return e.First }
