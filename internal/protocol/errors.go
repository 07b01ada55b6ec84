package protocol

import "errors"

var (
	ErrShortFrame   = errors.New("protocol: short frame")
	ErrUnknownType  = errors.New("protocol: unknown message type")
	ErrTypeMismatch = errors.New("protocol: unexpected message type")
	ErrTooLarge     = errors.New("protocol: frame too large")
)

// Codes carried by ErrorMsg.
const (
	// Protocol/transport validation.
	CodeBadRequest = "E_PROTO_BAD_REQUEST"
	CodeVersion    = "E_PROTO_VERSION"

	// Connection layer.
	CodeRateLimit = "E_RATE_LIMIT"
	CodeBusy      = "E_BUSY"
	CodeInternal  = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	CodeBadRequest: {},
	CodeVersion:    {},
	CodeRateLimit:  {},
	CodeBusy:       {},
	CodeInternal:   {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
