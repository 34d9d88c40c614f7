package resource

import "fmt"

// MalformedExpressionError reports a syntax problem in a requirement
// expression. It is raised at unit load time, before any job runs.
type MalformedExpressionError struct {
	Expression string
	Offset     int
	Reason     string
}

func (e *MalformedExpressionError) Error() string {
	return fmt.Sprintf("resource: malformed expression at offset %d: %s (in %q)", e.Offset, e.Reason, e.Expression)
}

func malformed(text string, offset int, reason string) error {
	return &MalformedExpressionError{Expression: text, Offset: offset, Reason: reason}
}
