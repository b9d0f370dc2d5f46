//go:build linux

package network

import (
	"fmt"

	"github.com/safchain/ethtool"
)

// EthtoolLinkState reads carrier state through the ethtool ioctl.
type EthtoolLinkState struct {
	handle *ethtool.Ethtool
}

// NewLinkStater opens an ethtool handle.
func NewLinkStater() (*EthtoolLinkState, error) {
	h, err := ethtool.NewEthtool()
	if err != nil {
		return nil, fmt.Errorf("failed to open ethtool handle: %w", err)
	}
	return &EthtoolLinkState{handle: h}, nil
}

// Close closes the ethtool handle.
func (e *EthtoolLinkState) Close() {
	e.handle.Close()
}

// LinkUp reports whether dev has carrier.
func (e *EthtoolLinkState) LinkUp(dev string) (bool, error) {
	state, err := e.handle.LinkState(dev)
	if err != nil {
		return false, err
	}
	return state == 1, nil
}
