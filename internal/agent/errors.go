package agent

import "fmt"

// ProviderError is a completion-service failure that survived the retry.
type ProviderError struct {
	Model    string
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (model %s, %d attempts): %v", e.Model, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
