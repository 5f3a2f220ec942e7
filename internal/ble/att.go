// Package ble hosts the watch's GATT attribute table and the serial link to
// the BLE controller that carries ATT traffic for it.
package ble

import (
	"errors"
	"fmt"
)

// ATTError is an ATT protocol error code returned to the peer.
type ATTError uint8

// ATT error codes (Core Spec Vol 3 Part F 3.4.1.1).
const (
	ErrInvalidHandle         ATTError = 0x01
	ErrReadNotPermitted      ATTError = 0x02
	ErrWriteNotPermitted     ATTError = 0x03
	ErrInvalidOffset         ATTError = 0x07
	ErrAttributeNotFound     ATTError = 0x0A
	ErrInvalidAttributeValue ATTError = 0x0D
	ErrUnlikely              ATTError = 0x0E
)

func (e ATTError) Error() string {
	switch e {
	case ErrInvalidHandle:
		return "att: invalid handle"
	case ErrReadNotPermitted:
		return "att: read not permitted"
	case ErrWriteNotPermitted:
		return "att: write not permitted"
	case ErrInvalidOffset:
		return "att: invalid offset"
	case ErrAttributeNotFound:
		return "att: attribute not found"
	case ErrInvalidAttributeValue:
		return "att: invalid attribute value length"
	case ErrUnlikely:
		return "att: unlikely error"
	default:
		return fmt.Sprintf("att: error 0x%02X", uint8(e))
	}
}

// ErrLinkClosed is returned by link operations after Close.
var ErrLinkClosed = errors.New("ble link closed")

// ATTCode maps err to the code sent back on the air. nil is success (0);
// errors that carry no ATT code become ErrUnlikely.
func ATTCode(err error) uint8 {
	if err == nil {
		return 0
	}
	var ae ATTError
	if errors.As(err, &ae) {
		return uint8(ae)
	}
	return uint8(ErrUnlikely)
}
