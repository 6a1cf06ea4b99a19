package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/conductor/slogger"
	"github.com/deepnoodle-ai/conductor/workflow"
	"github.com/fsnotify/fsnotify"
)

// Registry holds the loaded process definitions available to the engine.
// A name/version pair is immutable once registered: re-registering it is
// an error, while a higher version of the same name becomes the version
// served by Get.
type Registry struct {
	mutex     sync.RWMutex
	processes map[string]map[int]*workflow.Process
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processes: make(map[string]map[int]*workflow.Process)}
}

// Register adds a process definition.
func (r *Registry) Register(process *workflow.Process) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	versions, ok := r.processes[process.Name()]
	if !ok {
		versions = make(map[int]*workflow.Process)
		r.processes[process.Name()] = versions
	}
	if _, exists := versions[process.Version()]; exists {
		return fmt.Errorf("process %q version %d already registered",
			process.Name(), process.Version())
	}
	versions[process.Version()] = process
	return nil
}

// Get returns the highest registered version of a named process.
func (r *Registry) Get(name string) (*workflow.Process, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	versions, ok := r.processes[name]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("unknown process: %q", name)
	}
	best := 0
	for v := range versions {
		if v > best {
			best = v
		}
	}
	return versions[best], nil
}

// GetVersion returns a specific version of a named process. Resumed runs
// use this so a run always replays against the definition it started with.
func (r *Registry) GetVersion(name string, version int) (*workflow.Process, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	versions, ok := r.processes[name]
	if !ok {
		return nil, fmt.Errorf("unknown process: %q", name)
	}
	process, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("unknown process version: %q v%d", name, version)
	}
	return process, nil
}

// Names returns the registered process names in sorted order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var names []string
	for name := range r.processes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch loads all definitions in a directory into the registry, then watches
// the directory and registers new or updated definition files as they
// appear. Files that fail to parse or that collide with an already
// registered name/version are logged and skipped. Watch blocks until the
// context is canceled.
func Watch(ctx context.Context, dirPath string, registry *Registry, logger slogger.Logger) error {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	processes, err := LoadDirectory(dirPath)
	if err != nil {
		return err
	}
	for _, process := range processes {
		if err := registry.Register(process); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dirPath); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dirPath, err)
	}
	logger.Info("watching process definitions", "dir", dirPath)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yml" && ext != ".yaml" && ext != ".json" {
				continue
			}
			process, err := LoadFile(event.Name)
			if err != nil {
				logger.Warn("failed to load process definition",
					"path", event.Name, "error", err)
				continue
			}
			if err := registry.Register(process); err != nil {
				logger.Warn("skipping process definition",
					"path", event.Name, "error", err)
				continue
			}
			logger.Info("registered process definition",
				"process", process.Name(), "version", process.Version())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)
		}
	}
}
