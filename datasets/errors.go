package datasets

import "fmt"

// ConfigurationError indicates a bad or missing dataset or an invalid
// configuration value. It is fatal: the caller should not retry.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// DataError indicates a corrupt or malformed individual sample. It is never
// swallowed by the dataset: the caller decides whether to skip or abort.
type DataError struct {
	Index int
	Cause error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data error at sample %d: %v", e.Index, e.Cause)
}

func (e *DataError) Unwrap() error {
	return e.Cause
}
