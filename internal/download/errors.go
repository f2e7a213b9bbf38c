package download

import "fmt"

// NetworkError indicates a transport failure while fetching an artifact.
// It is retryable; the manager retries internally up to its configured
// attempt count before surfacing it.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StorageError indicates the cache could not be written (disk full,
// permissions). It is fatal for the job and reported distinctly from
// network failures because retrying the transfer cannot help.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache storage error: %v", e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
