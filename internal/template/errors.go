package template

import "fmt"

// Error is a template parse or render failure with the byte offset
// in the template source where it happened.
type Error struct {
	Msg string
	Pos int
}

func (e *Error) Error() string {
	return fmt.Sprintf("template: %s (at offset %d)", e.Msg, e.Pos)
}

// errAt builds a positioned error.
func errAt(pos int, format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...), Pos: pos}
}
