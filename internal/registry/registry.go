package registry

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ToolRegistry provides read access to the current tool definitions.
type ToolRegistry interface {
	// Lookup returns the definition for a tool id, including disabled ones.
	Lookup(id string) (*ToolDefinition, bool)
	// Snapshot returns the snapshot in effect at the time of the call.
	Snapshot() *Snapshot
}

// Source produces complete snapshots from an external store.
type Source interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// Snapshot is an immutable set of tool definitions.
type Snapshot struct {
	Version  string
	LoadedAt time.Time
	tools    map[string]*ToolDefinition
	ids      []string
}

// NewSnapshot validates every definition and builds a snapshot. Invalid
// definitions, and those that arrive with a DisabledReason already set, stay
// in the snapshot with Enabled=false; a duplicate id keeps the first entry.
func NewSnapshot(version string, defs []*ToolDefinition, logger *zap.Logger) *Snapshot {
	s := &Snapshot{
		Version:  version,
		LoadedAt: time.Now(),
		tools:    make(map[string]*ToolDefinition, len(defs)),
	}
	for _, def := range defs {
		if def == nil {
			continue
		}
		if _, dup := s.tools[def.ID]; dup {
			logger.Warn("duplicate tool id in registry, keeping first definition",
				zap.String("tool_id", def.ID),
				zap.String("registry_version", version),
			)
			continue
		}
		if def.DisabledReason == "" {
			if err := Validate(def); err != nil {
				def.DisabledReason = err.Error()
			}
		}
		if def.DisabledReason != "" {
			def.Enabled = false
			logger.Warn("tool definition disabled",
				zap.String("tool_id", def.ID),
				zap.String("reason", def.DisabledReason),
				zap.String("registry_version", version),
			)
		} else {
			def.Enabled = true
			def.DisabledReason = ""
		}
		s.tools[def.ID] = def
		s.ids = append(s.ids, def.ID)
	}
	sort.Strings(s.ids)
	return s
}

// Lookup returns the definition for id.
func (s *Snapshot) Lookup(id string) (*ToolDefinition, bool) {
	def, ok := s.tools[id]
	return def, ok
}

// Tools returns all definitions ordered by id.
func (s *Snapshot) Tools() []*ToolDefinition {
	out := make([]*ToolDefinition, len(s.ids))
	for i, id := range s.ids {
		out[i] = s.tools[id]
	}
	return out
}

// Len returns the number of definitions, enabled or not.
func (s *Snapshot) Len() int { return len(s.ids) }

// Registry holds the current snapshot. Readers never block; a reload swaps
// the whole snapshot so a single invocation always sees one version.
type Registry struct {
	current atomic.Pointer[Snapshot]
	logger  *zap.Logger
}

// New creates a registry holding an empty snapshot.
func New(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger}
	r.current.Store(NewSnapshot("empty", nil, logger))
	return r
}

func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

func (r *Registry) Lookup(id string) (*ToolDefinition, bool) {
	return r.current.Load().Lookup(id)
}

// Swap installs a new snapshot.
func (r *Registry) Swap(s *Snapshot) {
	old := r.current.Swap(s)
	enabled := 0
	for _, def := range s.Tools() {
		if def.Enabled {
			enabled++
		}
	}
	r.logger.Info("tool registry swapped",
		zap.String("previous_version", old.Version),
		zap.String("version", s.Version),
		zap.Int("tools", s.Len()),
		zap.Int("enabled", enabled),
	)
}

// Reload loads a snapshot from src and swaps it in. On error the current
// snapshot stays in effect.
func (r *Registry) Reload(ctx context.Context, src Source) error {
	s, err := src.Load(ctx)
	if err != nil {
		return err
	}
	r.Swap(s)
	return nil
}

// Poll reloads from src on every tick until ctx is done.
func (r *Registry) Poll(ctx context.Context, src Source, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := r.Reload(loadCtx, src); err != nil {
				r.logger.Warn("background tool registry refresh failed", zap.Error(err))
			}
			cancel()
		}
	}
}
