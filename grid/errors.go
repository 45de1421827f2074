package grid

import (
	"errors"
	"fmt"
)

// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for the window cache
var (
	ErrFetch        = errors.New("fetch failed")
	ErrInvalidRange = errors.New("invalid row range")
	ErrClosed       = errors.New("closed")
)

// used for the dataset source
var (
	ErrInvalidPageRequest = errors.New("invalid page request")
)

// used for the relay
var (
	ErrMalformedMutation = errors.New("malformed mutation")
	ErrRelayClosed       = errors.New("relay connection closed")
	ErrRelayBackpressure = errors.New("relay send queue full")
)

// a failed fetch for one requested row range
// other ranges and cached blocks are not affected
type FetchError struct {
	StartRow int
	EndRow   int
	Err      error
}

func (self *FetchError) Error() string {
	return fmt.Sprintf("fetch rows [%d, %d): %s", self.StartRow, self.EndRow, self.Err)
}

func (self *FetchError) Unwrap() []error {
	return []error{ErrFetch, self.Err}
}
