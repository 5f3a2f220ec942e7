//go:build !no_automation

package automation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

const (
	scriptExt    = ".lua"
	headerPrefix = "-- "
	maxIDLen     = 40
)

// Manager errors.
var (
	ErrInvalidID      = errors.New("invalid script id")
	ErrScriptNotFound = errors.New("script not found")
)

// Manager loads and stores scripts in a directory, one file per script.
//
// File layout:
//
//	-- {"name":"Morning","enabled":true}
//	<lua source>
type Manager struct {
	dir    string
	logger *slog.Logger

	mu sync.RWMutex
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

// Dir returns the scripts directory.
func (m *Manager) Dir() string {
	return m.dir
}

// List returns every readable script ordered by ID. Files with a broken
// header are skipped.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	scripts := make([]*Script, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || filepath.Ext(name) != scriptExt {
			continue
		}
		s, err := m.read(strings.TrimSuffix(name, scriptExt))
		if err != nil {
			m.logger.Warn("skip script", "file", name, "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

// Get loads one script.
func (m *Manager) Get(id string) (*Script, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read(id)
}

// Save writes s. A script without an ID gets one derived from its name,
// suffixed until it does not collide with an existing file.
func (m *Manager) Save(s *Script) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.uniqueID(slugify(s.Meta.Name))
	} else if !validID(s.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, s.ID)
	}
	s.Path = m.path(s.ID)

	data, err := encodeScript(s)
	if err != nil {
		return nil, err
	}

	// Write then rename so a reader never sees a half-written file.
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write script: %w", err)
	}
	return s, nil
}

// Delete removes a script file.
func (m *Manager) Delete(id string) error {
	if !validID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
		}
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func (m *Manager) path(id string) string {
	return filepath.Join(m.dir, id+scriptExt)
}

func (m *Manager) read(id string) (*Script, error) {
	path := m.path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
		}
		return nil, fmt.Errorf("read script: %w", err)
	}
	s, err := decodeScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	s.ID = id
	s.Path = path
	return s, nil
}

func (m *Manager) uniqueID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(m.path(id)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

func decodeScript(data []byte) (*Script, error) {
	s := &Script{}
	first, rest, _ := bytes.Cut(data, []byte("\n"))
	if bytes.HasPrefix(first, []byte(headerPrefix+"{")) {
		if err := json.Unmarshal(bytes.TrimPrefix(first, []byte(headerPrefix)), &s.Meta); err != nil {
			return nil, fmt.Errorf("parse header: %w", err)
		}
		data = rest
	}
	s.Code = strings.TrimLeft(string(data), "\r\n")
	return s, nil
}

func encodeScript(s *Script) ([]byte, error) {
	meta, err := json.Marshal(s.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(headerPrefix)
	b.Write(meta)
	b.WriteByte('\n')
	if s.Code != "" {
		b.WriteString(s.Code)
		if !strings.HasSuffix(s.Code, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.Bytes(), nil
}

func validID(id string) bool {
	return id != "" && id != "." && !strings.Contains(id, "..") && !strings.ContainsAny(id, `/\`)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	s = strings.Trim(s, "_")
	if len(s) > maxIDLen {
		s = strings.TrimRight(s[:maxIDLen], "_")
	}
	return s
}
