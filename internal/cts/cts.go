// Package cts is the external time-set channel: the Current Time Service
// characteristics through which a phone sets the watch clock, plus the same
// path for trusted local sources.
package cts

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"watchtwin/internal/ble"
	"watchtwin/internal/calendar"
	"watchtwin/internal/devicetwin"
	"watchtwin/internal/scheduler"
)

// Characteristic value handles.
const (
	HandleCurrentTime   uint16 = 0x0010
	HandleUnixTime      uint16 = 0x0012
	HandleLocalTimeInfo uint16 = 0x0014
)

// UUIDUnixTime is the vendor characteristic carrying raw epoch seconds.
const UUIDUnixTime = "8f7a0001-6b1c-4f0e-9a4d-5e2f3c1b7d00"

// Adjust reasons reported in the Current Time payload.
const (
	AdjustNone   uint8 = 0x00
	AdjustManual uint8 = 0x01
)

// Sources of a time change.
const (
	SourceBLE        = "ble"
	SourceBLECTS     = "ble_cts"
	SourceHTTP       = "http"
	SourceMQTT       = "mqtt"
	SourceAutomation = "automation"
)

const (
	unixTimeLen    = 4
	currentTimeLen = 10
	// CTS encodes an unknown time zone as -128.
	tzUnknown = -128
)

// Signaler wakes the refresh worker.
type Signaler interface {
	Signal(kind scheduler.Kind)
}

// Change describes one accepted time-set.
type Change struct {
	Previous uint32 `json:"previous"`
	Epoch    uint32 `json:"epoch"`
	Source   string `json:"source"`
}

// Service applies external time writes to the device twin.
type Service struct {
	twin   *devicetwin.State
	sched  Signaler
	logger *slog.Logger

	adjustReason atomic.Uint32

	mu        sync.RWMutex
	observers []func(Change)
}

// New creates the channel for twin, waking sched after every accepted write.
func New(twin *devicetwin.State, sched Signaler, logger *slog.Logger) *Service {
	return &Service{
		twin:   twin,
		sched:  sched,
		logger: logger.With("component", "cts"),
	}
}

// OnChange registers an observer called synchronously after each accepted write.
func (s *Service) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// WriteUnixTime handles a write to the Unix Time characteristic. The value
// must be exactly four little-endian bytes written at offset 0.
func (s *Service) WriteUnixTime(offset uint16, value []byte) error {
	if offset != 0 || len(value) != unixTimeLen {
		s.logger.Error("unix time write rejected", "offset", offset, "len", len(value))
		return ble.ErrInvalidOffset
	}
	s.apply(SourceBLE, binary.LittleEndian.Uint32(value))
	return nil
}

// ReadUnixTime returns the epoch as four little-endian bytes.
func (s *Service) ReadUnixTime() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, s.twin.Epoch()), nil
}

// Set applies epoch from a trusted local source.
func (s *Service) Set(source string, epoch uint32) {
	s.apply(source, epoch)
}

// WriteCurrentTime handles a 10-byte Current Time write. The fields are local
// time under the twin's offset.
func (s *Service) WriteCurrentTime(offset uint16, value []byte) error {
	if offset != 0 || len(value) > currentTimeLen {
		s.logger.Error("current time write rejected", "offset", offset, "len", len(value))
		return ble.ErrInvalidOffset
	}
	if len(value) < 7 {
		return ble.ErrInvalidAttributeValue
	}
	t := calendar.Time{
		Year:   binary.LittleEndian.Uint16(value[0:2]),
		Month:  value[2],
		Day:    value[3],
		Hour:   value[4],
		Minute: value[5],
		Second: value[6],
	}
	if !validLocal(t) {
		s.logger.Error("current time write out of range", "time", t.String())
		return ble.ErrInvalidAttributeValue
	}
	snap := s.twin.Snapshot()
	epoch := calendar.ToEpoch(t, snap.Offset)
	if epoch < 0 || epoch > math.MaxUint32 {
		return ble.ErrInvalidAttributeValue
	}
	s.apply(SourceBLECTS, uint32(epoch))
	return nil
}

// ReadCurrentTime returns the 10-byte Current Time payload.
func (s *Service) ReadCurrentTime() ([]byte, error) {
	return EncodeCurrentTime(s.twin.Snapshot().Local(), uint8(s.adjustReason.Load())), nil
}

// ReadLocalTimeInfo returns the 2-byte Local Time Information payload.
func (s *Service) ReadLocalTimeInfo() ([]byte, error) {
	tz := int(s.twin.Offset()) * 4
	if tz < -48 || tz > 56 {
		tz = tzUnknown
	}
	return []byte{byte(int8(tz)), 0}, nil
}

// Register adds the Current Time Service to the GATT table.
func (s *Service) Register(r *ble.Registry) error {
	err := r.Register(ble.ServiceDef{
		UUID: ble.UUID16(ble.UUIDCurrentTimeService),
		Name: "Current Time Service",
		Characteristics: []ble.CharacteristicDef{
			{
				Handle:     HandleCurrentTime,
				UUID:       ble.UUID16(ble.UUIDCurrentTime),
				Name:       "Current Time",
				Properties: ble.PropRead | ble.PropWrite | ble.PropNotify,
				Read:       s.ReadCurrentTime,
				Write:      s.WriteCurrentTime,
			},
			{
				Handle:     HandleUnixTime,
				UUID:       UUIDUnixTime,
				Name:       "Unix Time",
				Properties: ble.PropRead | ble.PropWrite,
				Read:       s.ReadUnixTime,
				Write:      s.WriteUnixTime,
			},
			{
				Handle:     HandleLocalTimeInfo,
				UUID:       ble.UUID16(ble.UUIDLocalTimeInfo),
				Name:       "Local Time Information",
				Properties: ble.PropRead,
				Read:       s.ReadLocalTimeInfo,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("register current time service: %w", err)
	}
	return nil
}

func (s *Service) apply(source string, epoch uint32) {
	prev := s.twin.Swap(epoch)
	s.adjustReason.Store(uint32(AdjustManual))
	s.sched.Signal(scheduler.KindClock)
	s.sched.Signal(scheduler.KindDate)
	s.logger.Info("time set", "source", source, "epoch", epoch, "previous", prev)

	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	c := Change{Previous: prev, Epoch: epoch, Source: source}
	for _, fn := range observers {
		fn(c)
	}
}

// EncodeCurrentTime builds the Current Time characteristic value.
func EncodeCurrentTime(t calendar.Time, adjustReason uint8) []byte {
	b := make([]byte, currentTimeLen)
	binary.LittleEndian.PutUint16(b[0:2], t.Year)
	b[2] = t.Month
	b[3] = t.Day
	b[4] = t.Hour
	b[5] = t.Minute
	b[6] = t.Second
	b[7] = t.CTSWeekday()
	b[8] = 0
	b[9] = adjustReason
	return b
}

func validLocal(t calendar.Time) bool {
	if t.Year < 1970 || t.Month < 1 || t.Month > 12 {
		return false
	}
	if t.Day < 1 || t.Day > calendar.DaysInMonth(t.Year, t.Month) {
		return false
	}
	return t.Hour < 24 && t.Minute < 60 && t.Second < 60
}
