package allowlist

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// WildcardAgent entries apply to every agent.
const WildcardAgent = "*"

// DefaultAgent is used when no agent id is supplied.
const DefaultAgent = "default"

const fileVersion = 1

type agentSection struct {
	Allowlist []Entry `yaml:"allowlist"`
}

type fileFormat struct {
	Version int                      `yaml:"version"`
	Agents  map[string]*agentSection `yaml:"agents,omitempty"`
}

// FileStore persists allowlist entries per agent in a YAML file. All writes
// replace the file atomically.
type FileStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	data fileFormat
}

// NewFileStore returns a store backed by path. The file is not read until Load.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		path:   path,
		logger: logger,
		now:    time.Now,
		data:   fileFormat{Version: fileVersion, Agents: map[string]*agentSection{}},
	}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the backing file. A missing file yields an empty store.
func (s *FileStore) Load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.data = fileFormat{Version: fileVersion, Agents: map[string]*agentSection{}}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read allowlist: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse allowlist %s: %w", s.path, err)
	}
	if f.Version != 0 && f.Version != fileVersion {
		return fmt.Errorf("allowlist %s: unsupported version %d", s.path, f.Version)
	}
	f.Version = fileVersion
	if f.Agents == nil {
		f.Agents = map[string]*agentSection{}
	}
	s.mu.Lock()
	s.data = f
	s.mu.Unlock()
	return nil
}

// Validate parses path without applying it.
func (s *FileStore) Validate(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f fileFormat
	return yaml.Unmarshal(b, &f)
}

// Entries returns the wildcard entries followed by the agent's own, with
// duplicate patterns removed.
func (s *FileStore) Entries(agent string) []Entry {
	if agent == "" {
		agent = DefaultAgent
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	var out []Entry
	for _, name := range []string{WildcardAgent, agent} {
		sec := s.data.Agents[name]
		if sec == nil {
			continue
		}
		for _, e := range sec.Allowlist {
			if _, dup := seen[e.Pattern]; dup {
				continue
			}
			seen[e.Pattern] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}

// Agents lists agents that have a section, sorted.
func (s *FileStore) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data.Agents))
	for name := range s.data.Agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AddPatterns appends patterns not already present for agent and persists the
// file. It returns the entries actually added.
func (s *FileStore) AddPatterns(agent string, patterns []string) ([]Entry, error) {
	if agent == "" {
		agent = DefaultAgent
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sec := s.data.Agents[agent]
	if sec == nil {
		sec = &agentSection{}
		s.data.Agents[agent] = sec
	}
	existing := map[string]struct{}{}
	for _, e := range sec.Allowlist {
		existing[e.Pattern] = struct{}{}
	}

	var added []Entry
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := existing[p]; ok {
			continue
		}
		existing[p] = struct{}{}
		e := Entry{ID: uuid.NewString(), Pattern: p}
		sec.Allowlist = append(sec.Allowlist, e)
		added = append(added, e)
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	s.logger.Info("allowlist: patterns added", "agent", agent, "count", len(added))
	return added, nil
}

// Remove deletes pattern from agent's section.
func (s *FileStore) Remove(agent, pattern string) (bool, error) {
	if agent == "" {
		agent = DefaultAgent
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sec := s.data.Agents[agent]
	if sec == nil {
		return false, nil
	}
	for i, e := range sec.Allowlist {
		if e.Pattern == pattern {
			sec.Allowlist = append(sec.Allowlist[:i], sec.Allowlist[i+1:]...)
			return true, s.saveLocked()
		}
	}
	return false, nil
}

// RecordUse stamps usage metadata on the entry with the given pattern.
func (s *FileStore) RecordUse(agent, pattern, command, resolvedPath string) error {
	if agent == "" {
		agent = DefaultAgent
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range []string{agent, WildcardAgent} {
		sec := s.data.Agents[name]
		if sec == nil {
			continue
		}
		for i := range sec.Allowlist {
			if sec.Allowlist[i].Pattern != pattern {
				continue
			}
			now := s.now().UTC()
			sec.Allowlist[i].LastUsedAt = &now
			sec.Allowlist[i].LastUsedCommand = command
			sec.Allowlist[i].LastResolvedPath = resolvedPath
			return s.saveLocked()
		}
	}
	return nil
}

func (s *FileStore) saveLocked() error {
	b, err := yaml.Marshal(&s.data)
	if err != nil {
		return fmt.Errorf("marshal allowlist: %w", err)
	}
	return writeFileAtomic(s.path, b, 0o600)
}

func writeFileAtomic(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp -> %s: %w", path, err)
	}
	return nil
}

// Reload re-reads the backing file; it satisfies hotreload.Loader.
func (s *FileStore) Reload(string) error { return s.Load() }
