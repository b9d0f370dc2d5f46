//go:build !linux

package network

import "fmt"

// EthtoolLinkState is a stub off Linux.
type EthtoolLinkState struct{}

func NewLinkStater() (*EthtoolLinkState, error) {
	return nil, fmt.Errorf("ethtool not supported on this platform")
}

func (e *EthtoolLinkState) Close() {}

func (e *EthtoolLinkState) LinkUp(dev string) (bool, error) {
	return false, fmt.Errorf("ethtool not supported on this platform")
}
