package clconfig

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/kverr"
	"github.com/pior/couchkv/vbucket"
)

type FileOptions struct {
	Path   string
	Bucket string
	Logger *zap.Logger

	// ReadOnly never writes configs received from other providers.
	ReadOnly bool

	// Watch reloads the file when another process rewrites it.
	Watch bool
}

// File persists the current config to disk and serves it at bootstrap.
type File struct {
	baseProvider

	sched  evloop.Scheduler
	logger *zap.Logger
	opts   FileOptions

	cached   *ConfigInfo
	lastHash uint64
	pending  bool

	watcher *fsnotify.Watcher
}

// NewFile registers a file provider on m. It starts disabled.
func NewFile(m *Monitor, opts FileOptions) (*File, error) {
	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	if opts.Path == "" {
		return nil, errors.Wrap(kverr.ErrInvalidArgument, "config cache path is empty")
	}

	f := &File{
		baseProvider: baseProvider{mon: m, method: MethodFile},
		sched:        m.sched,
		logger:       opts.Logger.Named("file").With(zap.String("path", opts.Path)),
		opts:         opts,
	}

	if opts.Watch {
		if err := f.watch(); err != nil {
			return nil, err
		}
	}
	m.register(f)
	return f, nil
}

func (f *File) Path() string {
	return f.opts.Path
}

func (f *File) Cached() *ConfigInfo {
	return f.cached
}

type loadResult int

const (
	loadFailed loadResult = iota
	loadUnchanged
	loadUpdated
)

func (f *File) load() (loadResult, error) {
	data, err := os.ReadFile(f.opts.Path)
	if err != nil {
		return loadFailed, errors.Wrap(err, "read config cache")
	}

	hash := xxh3.Hash(data)
	if f.cached != nil && hash == f.lastHash {
		return loadUnchanged, nil
	}

	cfg, err := vbucket.Parse(data, vbucket.ParseOptions{})
	if err != nil {
		return loadFailed, err
	}
	if cfg.BucketName == "" {
		return loadFailed, errors.New("cached config names no bucket")
	}
	if f.opts.Bucket != "" && cfg.BucketName != f.opts.Bucket {
		return loadFailed, errors.Errorf("cached config is for bucket %q", cfg.BucketName)
	}

	if f.cached != nil {
		f.cached.Decref()
	}
	f.cached = NewConfigInfo(cfg, MethodFile)
	f.lastHash = hash
	return loadUpdated, nil
}

// Refresh reloads the file asynchronously. An unchanged or unusable file
// counts as a failure.
func (f *File) Refresh() error {
	if f.pending {
		return nil
	}
	f.pending = true
	f.sched.Post(func() {
		f.pending = false
		res, err := f.load()
		if res == loadUpdated {
			f.mon.ProviderGotConfig(f, f.cached)
			return
		}
		if err == nil {
			err = errors.New("config cache unchanged")
		}
		f.logger.Debug("config cache not used", zap.Error(err))
		f.mon.ProviderFailed(f, errors.Wrap(kverr.ErrGeneric, err.Error()))
	})
	return nil
}

// ConfigUpdated writes configs from other providers to the cache file.
func (f *File) ConfigUpdated(cfg *vbucket.Config) {
	if f.opts.ReadOnly || (f.cached != nil && f.cached.Config == cfg) {
		return
	}
	if err := f.write(cfg); err != nil {
		f.logger.Warn("couldn't write config cache", zap.Error(err))
	}
}

func (f *File) write(cfg *vbucket.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}

	dir := filepath.Dir(f.opts.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.opts.Path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), f.opts.Path); err != nil {
		return errors.Wrap(err, "rename config cache")
	}

	// our own write must not come back through the watcher
	f.lastHash = xxh3.Hash(data)
	if f.cached != nil {
		f.cached.Decref()
	}
	f.cached = NewConfigInfo(cfg, MethodFile)
	f.logger.Debug("wrote config cache", zap.Int64("rev", cfg.Revision))
	return nil
}

func (f *File) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	// renames replace the inode, so watch the directory
	if err := w.Add(filepath.Dir(f.opts.Path)); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "watch config cache directory")
	}
	f.watcher = w

	target := filepath.Clean(f.opts.Path)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				f.sched.Post(f.onFileChanged)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.sched.Post(func() { f.logger.Warn("watcher error", zap.Error(err)) })
			}
		}
	}()
	return nil
}

func (f *File) onFileChanged() {
	if f.watcher == nil || !f.enabled {
		return
	}
	res, err := f.load()
	switch res {
	case loadUpdated:
		f.logger.Info("config cache changed on disk")
		f.mon.ProviderGotConfig(f, f.cached)
	case loadFailed:
		f.logger.Debug("ignoring config cache change", zap.Error(err))
	}
}

func (f *File) Close() {
	if f.watcher != nil {
		_ = f.watcher.Close()
		f.watcher = nil
	}
	if f.cached != nil {
		f.cached.Decref()
		f.cached = nil
	}
}
