package domain

import "errors"

var (
	ErrBlocked     = errors.New("ip is blocked")
	ErrInvalidIP   = errors.New("invalid ip address")
	ErrAllowListed = errors.New("ip is allow-listed")
)

func IsBlockedError(err error) bool {
	return errors.Is(err, ErrBlocked)
}
