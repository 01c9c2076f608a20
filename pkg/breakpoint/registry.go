package breakpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runtime installs and removes breakpoints in the debuggee. Lines passed to
// SetBreakpoint are 0-based.
type Runtime interface {
	SetBreakpoint(ctx context.Context, file string, line int) (string, error)
	RemoveBreakpoint(ctx context.Context, id string) error
}

// Registry maps logical breakpoint locations to runtime handles. At most one
// handle exists per location.
type Registry struct {
	runtime     Runtime
	logger      *zap.Logger
	breakpoints map[Location]*Info
	mu          sync.Mutex
}

// NewRegistry creates a registry backed by rt.
func NewRegistry(rt Runtime, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		runtime:     rt,
		logger:      logger,
		breakpoints: make(map[Location]*Info),
	}
}

// Add installs a breakpoint unless one already exists at loc.
func (r *Registry) Add(ctx context.Context, loc Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(ctx, loc)
}

func (r *Registry) add(ctx context.Context, loc Location) error {
	if loc.File == "" || loc.Line < 1 {
		return fmt.Errorf("invalid breakpoint location %s", loc)
	}
	if _, ok := r.breakpoints[loc]; ok {
		return nil
	}

	id, err := r.runtime.SetBreakpoint(ctx, loc.File, loc.Line-1)
	if err != nil {
		return fmt.Errorf("set breakpoint %s: %w", loc, err)
	}

	r.breakpoints[loc] = &Info{
		ID:        id,
		File:      loc.File,
		Line:      loc.Line,
		CreatedAt: time.Now(),
	}
	r.logger.Debug("breakpoint set", zap.Stringer("location", loc), zap.String("id", id))
	return nil
}

// Remove deletes the breakpoint at loc. Removing an absent location is a no-op.
func (r *Registry) Remove(ctx context.Context, loc Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(ctx, loc)
}

func (r *Registry) remove(ctx context.Context, loc Location) error {
	bp, ok := r.breakpoints[loc]
	if !ok {
		return nil
	}
	delete(r.breakpoints, loc)

	if err := r.runtime.RemoveBreakpoint(ctx, bp.ID); err != nil {
		return fmt.Errorf("remove breakpoint %s: %w", loc, err)
	}
	r.logger.Debug("breakpoint removed", zap.Stringer("location", loc), zap.String("id", bp.ID))
	return nil
}

// SetAll replaces every breakpoint with locs. Individual failures are logged
// and skipped; the number of locations that could not be installed is returned.
func (r *Registry) SetAll(ctx context.Context, locs []Location) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for loc := range r.breakpoints {
		if err := r.remove(ctx, loc); err != nil {
			r.logger.Debug("clearing breakpoint failed", zap.Error(err))
		}
	}

	failed := 0
	for _, loc := range locs {
		if err := r.add(ctx, loc); err != nil {
			r.logger.Debug("installing breakpoint failed", zap.Error(err))
			failed++
		}
	}
	return failed
}

// List returns the installed breakpoints ordered by file and line.
func (r *Registry) List() []Info {
	r.mu.Lock()
	result := make([]Info, 0, len(r.breakpoints))
	for _, bp := range r.breakpoints {
		result = append(result, *bp)
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].File != result[j].File {
			return result[i].File < result[j].File
		}
		return result[i].Line < result[j].Line
	})
	return result
}

// Len returns the number of installed breakpoints.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakpoints)
}
