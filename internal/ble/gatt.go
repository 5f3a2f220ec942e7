package ble

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Characteristic property bits.
const (
	PropRead        uint8 = 0x02
	PropWriteNoResp uint8 = 0x04
	PropWrite       uint8 = 0x08
	PropNotify      uint8 = 0x10
)

// Well-known 16-bit UUIDs.
const (
	UUIDCurrentTimeService uint16 = 0x1805
	UUIDCurrentTime        uint16 = 0x2A2B
	UUIDLocalTimeInfo      uint16 = 0x2A0F
)

// ReadFunc produces a characteristic value.
type ReadFunc func() ([]byte, error)

// WriteFunc consumes a characteristic write at offset.
type WriteFunc func(offset uint16, value []byte) error

// CharacteristicDef describes one characteristic value attribute.
type CharacteristicDef struct {
	Handle     uint16    `json:"handle"`
	UUID       string    `json:"uuid"`
	Name       string    `json:"name"`
	Properties uint8     `json:"properties"`
	Read       ReadFunc  `json:"-"`
	Write      WriteFunc `json:"-"`
}

// IsReadable returns true if the characteristic can be read.
func (c *CharacteristicDef) IsReadable() bool {
	return c.Properties&PropRead != 0 && c.Read != nil
}

// IsWritable returns true if the characteristic accepts writes.
func (c *CharacteristicDef) IsWritable() bool {
	return c.Properties&(PropWrite|PropWriteNoResp) != 0 && c.Write != nil
}

// CanNotify returns true if the characteristic supports notifications.
func (c *CharacteristicDef) CanNotify() bool {
	return c.Properties&PropNotify != 0
}

// ServiceDef is a primary service and its characteristics.
type ServiceDef struct {
	UUID            string              `json:"uuid"`
	Name            string              `json:"name"`
	Characteristics []CharacteristicDef `json:"characteristics,omitempty"`
}

// FindCharacteristic looks up a characteristic by handle.
func (s *ServiceDef) FindCharacteristic(handle uint16) *CharacteristicDef {
	for i := range s.Characteristics {
		if s.Characteristics[i].Handle == handle {
			return &s.Characteristics[i]
		}
	}
	return nil
}

// DeepCopy returns a copy that shares no slices with s.
func (s *ServiceDef) DeepCopy() *ServiceDef {
	cp := *s
	if s.Characteristics != nil {
		cp.Characteristics = make([]CharacteristicDef, len(s.Characteristics))
		copy(cp.Characteristics, s.Characteristics)
	}
	return &cp
}

// UUID16 renders a 16-bit UUID the way the table stores it.
func UUID16(u uint16) string {
	return fmt.Sprintf("%04X", u)
}

// Registry is the GATT attribute table. Reads and writes are dispatched by
// characteristic handle.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*ServiceDef
	handles  map[uint16]CharacteristicDef
	logger   *slog.Logger
}

// NewRegistry creates an empty table.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		services: make(map[string]*ServiceDef),
		handles:  make(map[uint16]CharacteristicDef),
		logger:   logger.With("component", "gatt"),
	}
}

// Register adds a service. Characteristics of a service UUID that is already
// present are merged into it. A handle may only be registered once.
func (r *Registry) Register(svc ServiceDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range svc.Characteristics {
		if _, ok := r.handles[c.Handle]; ok {
			return fmt.Errorf("gatt: handle 0x%04X already registered", c.Handle)
		}
	}

	existing, ok := r.services[svc.UUID]
	if !ok {
		existing = &ServiceDef{UUID: svc.UUID, Name: svc.Name}
		r.services[svc.UUID] = existing
	}
	for _, c := range svc.Characteristics {
		existing.Characteristics = append(existing.Characteristics, c)
		r.handles[c.Handle] = c
		r.logger.Debug("characteristic registered",
			"service", svc.UUID, "handle", fmt.Sprintf("0x%04X", c.Handle), "name", c.Name)
	}
	return nil
}

// Get returns a copy of a service by UUID, or nil.
func (r *Registry) Get(uuid string) *ServiceDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.services[uuid]
	if s == nil {
		return nil
	}
	return s.DeepCopy()
}

// All returns copies of every service ordered by UUID, characteristics by handle.
func (r *Registry) All() []ServiceDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]ServiceDef, 0, len(r.services))
	for _, s := range r.services {
		cp := s.DeepCopy()
		slices.SortFunc(cp.Characteristics, func(a, b CharacteristicDef) int {
			return cmp.Compare(a.Handle, b.Handle)
		})
		result = append(result, *cp)
	}
	slices.SortFunc(result, func(a, b ServiceDef) int {
		return cmp.Compare(a.UUID, b.UUID)
	})
	return result
}

// Characteristic returns the characteristic at handle.
func (r *Registry) Characteristic(handle uint16) (CharacteristicDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.handles[handle]
	return c, ok
}

// Read dispatches a read of handle.
func (r *Registry) Read(handle uint16) ([]byte, error) {
	c, ok := r.Characteristic(handle)
	if !ok {
		return nil, ErrInvalidHandle
	}
	if !c.IsReadable() {
		return nil, ErrReadNotPermitted
	}
	return c.Read()
}

// Write dispatches a write of value at offset to handle.
func (r *Registry) Write(handle, offset uint16, value []byte) error {
	c, ok := r.Characteristic(handle)
	if !ok {
		return ErrInvalidHandle
	}
	if !c.IsWritable() {
		return ErrWriteNotPermitted
	}
	return c.Write(offset, value)
}
