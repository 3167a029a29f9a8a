//go:build !no_automation

package automation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Scripts live on disk as plain .lua files with a one-line JSON header:
//
//	-- {"name":"Night Export Alert","enabled":true}
//
//	solar.on_reading("grid_power", function(r) ... end)
//
// The filename stem is the script ID. Files stay hand-editable; anything
// a text editor writes is a valid script.
const (
	scriptExt  = ".lua"
	metaPrefix = "-- {"
	maxIDLen   = 40
)

// Manager is the scripts-on-disk store behind the automation API.
type Manager struct {
	dir string
	mu  sync.RWMutex
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) scriptPath(id string) string {
	return filepath.Join(m.dir, id+scriptExt)
}

// List returns every parseable script in the directory, sorted by ID.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	var scripts []*Script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), scriptExt) {
			continue
		}
		s, err := readScript(filepath.Join(m.dir, e.Name()))
		if err != nil {
			slog.Warn("skipping unreadable script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].ID < scripts[j].ID })
	return scripts, nil
}

// Get returns one script by ID (the filename stem).
func (m *Manager) Get(id string) (*Script, error) {
	if !isValidID(id) {
		return nil, fmt.Errorf("invalid script id: %q", id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	return readScript(m.scriptPath(id))
}

// Save writes a script to disk. A script without an ID gets one derived
// from its name, made unique against the existing files.
func (m *Manager) Save(s *Script) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.freshID(s.Meta.Name)
	} else if !isValidID(s.ID) {
		return nil, fmt.Errorf("invalid script id: %q", s.ID)
	}

	s.FilePath = m.scriptPath(s.ID)
	if err := os.WriteFile(s.FilePath, renderScript(s), 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	return s, nil
}

// Delete removes a script file by ID.
func (m *Manager) Delete(id string) error {
	if !isValidID(id) {
		return fmt.Errorf("invalid script id: %q", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.scriptPath(id)); err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

// freshID derives a filename-safe ID from a display name, suffixing a
// counter until it does not collide with an existing script. Caller holds
// the write lock.
func (m *Manager) freshID(name string) string {
	base := idFromName(name)
	if base == "" {
		base = "script"
	}
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(m.scriptPath(id)); os.IsNotExist(err) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}

// readScript parses a .lua file: optional JSON header line, then code.
func readScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	s := &Script{
		ID:       strings.TrimSuffix(filepath.Base(path), scriptExt),
		FilePath: path,
	}

	body := string(data)
	if header, rest, found := strings.Cut(body, "\n"); found && strings.HasPrefix(header, metaPrefix) {
		if err := json.Unmarshal([]byte(strings.TrimPrefix(header, "-- ")), &s.Meta); err != nil {
			slog.Warn("script header parse error", "file", path, "err", err)
		}
		body = rest
	} else if strings.HasPrefix(body, metaPrefix) {
		// Header with no trailing newline and no code.
		if err := json.Unmarshal([]byte(strings.TrimPrefix(body, "-- ")), &s.Meta); err != nil {
			slog.Warn("script header parse error", "file", path, "err", err)
		}
		body = ""
	}
	s.LuaCode = strings.TrimLeft(body, "\r\n")

	return s, nil
}

// renderScript is the inverse of readScript.
func renderScript(s *Script) []byte {
	var b strings.Builder

	meta, _ := json.Marshal(s.Meta)
	b.WriteString("-- ")
	b.Write(meta)
	b.WriteString("\n")

	if s.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}

	return []byte(b.String())
}

var nonIDChars = regexp.MustCompile(`[^a-z0-9]+`)

// idFromName lowercases a display name into a filename-safe ID.
func idFromName(name string) string {
	id := nonIDChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_")
	id = strings.Trim(id, "_")
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	return id
}

// isValidID rejects anything that could escape the scripts directory.
func isValidID(id string) bool {
	switch {
	case id == "" || id == "." || id == "..":
		return false
	case strings.ContainsAny(id, `/\`):
		return false
	case strings.Contains(id, ".."):
		return false
	}
	return true
}
