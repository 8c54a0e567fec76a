package playbook

import "strings"

// ValidationError reports one or more problems with a playbook document.
// Validation failures surface synchronously at registration or execution
// start; they are never recorded as step failures.
type ValidationError struct {
	// Issues lists every problem found, in document order.
	Issues []string
}

// Error implements error.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return "invalid playbook: " + e.Issues[0]
	}
	return "invalid playbook: " + strings.Join(e.Issues, "; ")
}
