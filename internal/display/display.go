// Package display defines the calendar push surface of the watch face and a
// headless implementation that keeps the last rendered text.
package display

import (
	"fmt"
	"sync"
)

// Screen receives calendar updates from the refresh scheduler.
type Screen interface {
	SetDate(year uint16, month, day uint8) error
	SetClock(hour, minute uint8) error
	SetDay(name string) error
}

// FaceState is what the face currently shows.
type FaceState struct {
	Clock string `json:"clock"`
	Date  string `json:"date"`
	Day   string `json:"day"`
}

// Face is a headless Screen. It formats labels the way the watch face does
// ("HH:MM", "DD/MM/YYYY") and rejects values no real face could draw.
type Face struct {
	mu       sync.RWMutex
	state    FaceState
	onChange func(FaceState)
}

// NewFace returns an empty face.
func NewFace() *Face {
	return &Face{}
}

// OnChange registers a callback run after every successful update.
// It is called with the face lock released.
func (f *Face) OnChange(fn func(FaceState)) {
	f.mu.Lock()
	f.onChange = fn
	f.mu.Unlock()
}

// State returns a copy of the rendered labels.
func (f *Face) State() FaceState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

func (f *Face) SetDate(year uint16, month, day uint8) error {
	if month < 1 || month > 12 {
		return fmt.Errorf("set date: month %d out of range", month)
	}
	if day < 1 || day > 31 {
		return fmt.Errorf("set date: day %d out of range", day)
	}
	return f.update(func(s *FaceState) {
		s.Date = fmt.Sprintf("%02d/%02d/%04d", day, month, year)
	})
}

func (f *Face) SetClock(hour, minute uint8) error {
	if hour > 23 || minute > 59 {
		return fmt.Errorf("set clock: %02d:%02d out of range", hour, minute)
	}
	return f.update(func(s *FaceState) {
		s.Clock = fmt.Sprintf("%02d:%02d", hour, minute)
	})
}

func (f *Face) SetDay(name string) error {
	if name == "" {
		return fmt.Errorf("set day: empty name")
	}
	return f.update(func(s *FaceState) {
		s.Day = name
	})
}

func (f *Face) update(apply func(*FaceState)) error {
	f.mu.Lock()
	apply(&f.state)
	st := f.state
	cb := f.onChange
	f.mu.Unlock()
	if cb != nil {
		cb(st)
	}
	return nil
}
