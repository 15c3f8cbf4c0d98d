package plugins

import "fmt"

// ManifestError marks an unknown artifact id or a broken manifest. It is the
// distinguished error kind for registry lookups.
type ManifestError struct {
	Category string
	ID       string
	Message  string
	Err      error
}

func (e *ManifestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.ID, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.ID, e.Message)
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

func notFound(category, id string) *ManifestError {
	return &ManifestError{Category: category, ID: id, Message: "not found"}
}
