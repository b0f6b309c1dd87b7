package discovery

import "errors"

// Discovery errors.
var (
	// ErrClosed is returned when the advertiser has been closed.
	ErrClosed = errors.New("discovery: closed")

	// ErrAlreadyStarted is returned when Start is called while advertising.
	ErrAlreadyStarted = errors.New("discovery: already advertising")

	// ErrInvalidPort is returned for an out-of-range port.
	ErrInvalidPort = errors.New("discovery: invalid port")
)
