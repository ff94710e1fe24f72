package model

import (
	"errors"
	"fmt"
)

// Category is the closed error taxonomy shared by the result normalizer,
// the protocol processor and the command queue.
type Category string

const (
	CategorySyntax          Category = "syntax_error"
	CategoryConnection      Category = "connection_error"
	CategoryAuthentication  Category = "authentication_error"
	CategoryPermission      Category = "permission_error"
	CategoryResource        Category = "resource_error"
	CategoryTimeout         Category = "timeout_error"
	CategoryValidation      Category = "validation_error"
	CategoryRuntime         Category = "runtime_error"
	CategoryHandler         Category = "handler_error"
	CategorySessionNotFound Category = "session_not_found"
	CategoryNoHandler       Category = "no_handler"
	CategoryProtocol        Category = "protocol_error"
	CategoryUnknown         Category = "unknown_error"
)

var knownCategories = map[Category]bool{
	CategorySyntax:          true,
	CategoryConnection:      true,
	CategoryAuthentication:  true,
	CategoryPermission:      true,
	CategoryResource:        true,
	CategoryTimeout:         true,
	CategoryValidation:      true,
	CategoryRuntime:         true,
	CategoryHandler:         true,
	CategorySessionNotFound: true,
	CategoryNoHandler:       true,
	CategoryProtocol:        true,
	CategoryUnknown:         true,
}

func (c Category) Valid() bool {
	return knownCategories[c]
}

var (
	ErrQueueFull    = errors.New("queue is full")
	ErrNotFound     = errors.New("not found")
	ErrNotConnected = errors.New("not connected")
)

// Error is a failure tagged with a taxonomy category.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a category. A nil err yields nil.
func NewError(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Op: op, Err: err}
}

// Errorf builds a categorized error from a format string.
func Errorf(category Category, format string, args ...any) error {
	return &Error{Category: category, Err: fmt.Errorf(format, args...)}
}

// CategoryOf returns the category of the outermost *Error in err's chain, or
// CategoryUnknown when err carries none.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryUnknown
}
