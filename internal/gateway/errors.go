package gateway

import "fmt"

// ProvidersUnavailableError reports that both the primary and the fallback
// provider failed for one call. Both underlying causes are preserved.
type ProvidersUnavailableError struct {
	Primary  error
	Fallback error
}

func (e *ProvidersUnavailableError) Error() string {
	return fmt.Sprintf("gateway: all providers failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
}

// Unwrap exposes both causes to errors.Is/As.
func (e *ProvidersUnavailableError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}
