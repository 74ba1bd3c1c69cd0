//go:build !linux

package gateway

import (
	"errors"
)

var errUnsupported = errors.New("not supported on this platform")

func isPrivileged() (bool, error) {
	return false, errUnsupported
}

func freeBytes(string) (uint64, error) {
	return 0, errUnsupported
}

func onACPower(string) (bool, error) {
	return false, errUnsupported
}
