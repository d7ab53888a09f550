package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Root is the top-level document loaded from the engine's YAML config file.
type Root struct {
	Engine    EngineConfig              `yaml:"engine"`
	Workflows map[string]WorkflowConfig `yaml:"workflows"`
	Agents    map[string]AgentConfig    `yaml:"agents"`
}

var _ ConfigInterface = (*Root)(nil)

func (r *Root) SetDefaults() {
	r.Engine.SetDefaults()
	for id, w := range r.Workflows {
		w.SetDefaults()
		r.Workflows[id] = w
	}
	for id, a := range r.Agents {
		a.SetDefaults()
		r.Agents[id] = a
	}
}

func (r *Root) Validate() error {
	if err := r.Engine.Validate(); err != nil {
		return err
	}
	for id, w := range r.Workflows {
		if w.ID == "" {
			w.ID = id
		}
		if err := w.Validate(); err != nil {
			return err
		}
	}
	for id, a := range r.Agents {
		if a.AgentID == "" {
			a.AgentID = id
		}
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a YAML config document from path, expanding environment
// variables before unmarshalling, then applies defaults and validates.
func Load(path string) (*Root, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var generic map[string]interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	expanded := ExpandEnvVarsInData(generic)

	reencoded, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("config: re-encode %s: %w", path, err)
	}

	var root Root
	if err := yaml.Unmarshal(reencoded, &root); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	root.SetDefaults()
	if err := root.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	return &root, nil
}

// Watcher reloads a config file on change and republishes it through the
// channel returned by Watch.
// Grounded on the teacher's file-watching provider: watch the containing
// directory (not the file itself, since editors replace files on save
// rather than write in place) and debounce bursts of events.
type Watcher struct {
	path string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path: %w", err)
	}
	return &Watcher{path: abs}, nil
}

// Watch starts watching and returns a channel that receives the freshly
// reloaded config each time the file changes. The channel is closed when
// ctx is cancelled or Close is called.
func (w *Watcher) Watch(ctx context.Context) (<-chan *Root, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("config: watcher is closed")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	w.watcher = fw

	dir := filepath.Dir(w.path)
	base := filepath.Base(w.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch dir %s: %w", dir, err)
	}

	out := make(chan *Root, 1)
	go w.loop(ctx, fw, base, out)
	return out, nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher, base string, out chan<- *Root) {
	defer close(out)
	defer fw.Close()

	const debounceDelay = 150 * time.Millisecond
	var timer *time.Timer

	reload := func() {
		root, err := Load(w.path)
		if err != nil {
			slog.Warn("config: reload failed, keeping previous config", "path", w.path, "error", err)
			return
		}
		select {
		case out <- root:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceDelay, reload)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			slog.Error("config: watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.watcher != nil {
		err := w.watcher.Close()
		w.watcher = nil
		return err
	}
	return nil
}
