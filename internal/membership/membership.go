// Package membership answers whether an event source belongs to the cohort.
package membership

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrInvalidInput = errors.New("invalid input")

// Registry is consulted before an event is applied.
type Registry interface {
	IsKnownSource(sourceID string) bool
}

// Static is a fixed set of known sources.
type Static struct {
	members map[string]struct{}
}

func NewStatic(ids ...string) *Static {
	s := &Static{members: map[string]struct{}{}}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s.members[id] = struct{}{}
		}
	}
	return s
}

func (s *Static) IsKnownSource(sourceID string) bool {
	if s == nil {
		return false
	}
	_, ok := s.members[strings.TrimSpace(sourceID)]
	return ok
}

// Member is one entry of the cohort file.
type Member struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

type cohortFile struct {
	Cohort  string   `yaml:"cohort,omitempty"`
	Members []Member `yaml:"members"`
}

// ParseCohort decodes the YAML cohort document and returns the enabled
// member ids.
func ParseCohort(data []byte) (map[string]struct{}, error) {
	var doc cohortFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: cohort file: %v", ErrInvalidInput, err)
	}
	out := make(map[string]struct{}, len(doc.Members))
	for i, m := range doc.Members {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: cohort member %d has no id", ErrInvalidInput, i)
		}
		if m.Disabled {
			continue
		}
		out[id] = struct{}{}
	}
	return out, nil
}

type FileRegistryOptions struct {
	Logger *zap.Logger
	// Debounce coalesces bursts of file events. Defaults to 100ms.
	Debounce time.Duration
	// OnReload is called after every successful reload with the member count.
	OnReload func(members int)
}

// FileRegistry loads the cohort from a YAML file and reloads it when the file
// changes. A reload that fails to parse keeps the previous member set.
type FileRegistry struct {
	path    string
	logger  *zap.Logger
	opts    FileRegistryOptions
	mu      sync.RWMutex
	members map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

func NewFileRegistry(path string, opts FileRegistryOptions) (*FileRegistry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	r := &FileRegistry{
		path:   filepath.Clean(path),
		logger: opts.Logger,
		opts:   opts,
		done:   make(chan struct{}),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRegistry) IsKnownSource(sourceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[strings.TrimSpace(sourceID)]
	return ok
}

// Members returns the current member ids sorted.
func (r *FileRegistry) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *FileRegistry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read cohort file: %w", err)
	}
	members, err := ParseCohort(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.members = members
	r.mu.Unlock()
	if r.opts.OnReload != nil {
		r.opts.OnReload(len(members))
	}
	return nil
}

// Watch reloads the registry on changes until ctx ends or Stop is called.
// The parent directory is watched so editors that replace the file through
// a rename are picked up.
func (r *FileRegistry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}
	defer watcher.Close()

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(r.opts.Debounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(r.opts.Debounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			if err := r.Reload(); err != nil {
				r.logger.Warn("cohort reload failed, keeping previous members",
					zap.String("path", r.path),
					zap.Error(err),
				)
				continue
			}
			r.logger.Info("cohort reloaded",
				zap.String("path", r.path),
				zap.Int("members", len(r.Members())),
			)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("cohort watcher error", zap.Error(err))
		}
	}
}

func (r *FileRegistry) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}
