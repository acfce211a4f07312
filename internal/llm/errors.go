package llm

import "fmt"

// ProviderError reports a failed call against a completion endpoint: the
// endpoint was unreachable or answered with a non-success status.
type ProviderError struct {
	Provider string // provider alias, when known
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider call failed: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
