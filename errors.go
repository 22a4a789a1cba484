package pkl

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for operations on a closed evaluator manager.
	ErrClosed = errors.New("pkl: evaluator manager closed")

	// ErrEvaluatorClosed is returned for operations on a closed evaluator.
	ErrEvaluatorClosed = errors.New("pkl: evaluator closed")
)

// ProtocolError reports a violation of the evaluator wire protocol: an
// unexpected message code, a malformed frame, or a malformed evaluation
// result.  A protocol error in an inbound frame is fatal to the evaluator
// manager; one in an evaluation result fails only that evaluation.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "pkl: protocol error: " + e.Message
}

// InitError reports that the server refused to create an evaluator.
type InitError struct {
	Message string
}

func (e *InitError) Error() string {
	return "pkl: failed to create evaluator: " + e.Message
}

// EvalError reports that an evaluation failed.  Message is the server's
// rendering of the failure and may span multiple lines; it is reproduced
// verbatim behind a leading newline so stack traces stay legible.
type EvalError struct {
	Message string
}

func (e *EvalError) Error() string {
	return "\n" + e.Message
}

// SchemaError reports that a decoded value could not be bound to a host
// type.
type SchemaError struct {
	Message string
}

func (e *SchemaError) Error() string {
	return "pkl: " + e.Message
}

func errUnknownClass(name string) *SchemaError {
	return &SchemaError{Message: fmt.Sprintf("no type registered for class %q", name)}
}

func errMixedMembership(name string) *SchemaError {
	return &SchemaError{
		Message: fmt.Sprintf("object %q has both elements and properties; decode with ForceElements to keep the elements", name),
	}
}
