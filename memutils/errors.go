package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// RangeError is returned when a range falls outside the bounds of the object it addresses
var RangeError error = errors.New("range out of bounds")
