package engine

import "errors"

// ErrInvalidArgument marks a rejected value on a public setter (BPM and
// friends). Range failures surface synchronously; everything else inside the
// periodic loops is logged and swallowed.
var ErrInvalidArgument = errors.New("invalid argument")
