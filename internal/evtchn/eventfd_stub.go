//go:build !linux

package evtchn

import "errors"

// EventFDPort is only available on linux.
type EventFDPort struct{}

// NewEventFDPort fails on platforms without eventfd support; callers fall
// back to in-process ports.
func NewEventFDPort(id uint32) (*EventFDPort, error) {
	return nil, errors.New("evtchn: eventfd ports require linux")
}
