package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// UnreleasedMemoryError is returned when an owner of tile memory is destroyed while tiles carved from
// that memory are still live
var UnreleasedMemoryError error = errors.New("some tiles were not freed before their memory was destroyed")
