package protocol

import "errors"

var (
	ErrProtocolViolation = errors.New("protocol: violation")
	ErrMalformedMessage  = errors.New("protocol: malformed message")
	ErrCodec             = errors.New("protocol: codec error")
	ErrTransport         = errors.New("protocol: transport failure")
	ErrCancelled         = errors.New("protocol: cancelled")
)

// IsProtocolError reports whether err already carries one of the protocol sentinels
func IsProtocolError(err error) bool {
	for _, target := range []error{ErrProtocolViolation, ErrMalformedMessage, ErrCodec, ErrTransport, ErrCancelled} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
