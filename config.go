package distobj

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

var sep = string(os.PathSeparator)

// Config tunes Connections and Servers. Use NewConfig for the
// defaults; the zero value is not ready for use.
type Config struct {

	// RequestTimeout bounds a call: queueing the request for
	// send plus waiting for its reply. Per-call
	// CallOptions.Timeout overrides it.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ReplyTimeout bounds writing a reply frame back.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`

	// KeepAliveInterval sends an empty control frame when
	// nothing else was sent for this long. 0 disables.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// MaxFrameSize bounds a frame, and any decompressed payload.
	MaxFrameSize int `yaml:"max_frame_size"`

	// MaxMalformedFrames consecutive undecodable frames
	// invalidate the Connection. 0 means never.
	MaxMalformedFrames int `yaml:"max_malformed_frames"`

	// IndependentConversationQueueing lets requests for
	// different conversations run concurrently. When false,
	// all requests run one at a time on a single queue.
	IndependentConversationQueueing bool `yaml:"independent_conversation_queueing"`

	// ConversationPolicy partitions requests that name no
	// conversation. Empty means PerTarget when
	// IndependentConversationQueueing is set, else SharedQueue.
	ConversationPolicy ConversationPolicy `yaml:"conversation_policy"`

	// Compression is one of "none", "s2", "lz4", "zstd".
	Compression string `yaml:"compression"`

	// CompressMinBytes: smaller payload bodies are sent as is.
	CompressMinBytes int `yaml:"compress_min_bytes"`

	// ProtocolVersion is announced in the hello control message.
	// Peers must share the major version.
	ProtocolVersion string `yaml:"protocol_version"`

	// Coders serialize by-copy values. nil means the builtins.
	Coders *CoderRegistry `yaml:"-"`

	// Delegate, if set, is consulted before a Server accepts
	// a new Connection.
	Delegate Delegate `yaml:"-"`

	// Authenticator, if set, signs outgoing and checks
	// incoming invocation bodies.
	Authenticator Authenticator `yaml:"-"`
}

// ProtocolVersion of this build.
const ProtocolVersion = "1.0.0"

func NewConfig() *Config {
	return &Config{
		RequestTimeout:                  30 * time.Second,
		ReplyTimeout:                    30 * time.Second,
		KeepAliveInterval:               0,
		MaxFrameSize:                    defaultMaxFrameSize,
		MaxMalformedFrames:              8,
		IndependentConversationQueueing: true,
		Compression:                     "none",
		CompressMinBytes:                1024,
		ProtocolVersion:                 ProtocolVersion,
	}
}

// Clone returns a shallow copy; the Coders, Delegate, and
// Authenticator are shared.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

func (c *Config) coders() *CoderRegistry {
	if c.Coders == nil {
		return defaultCoders
	}
	return c.Coders
}

func (c *Config) maxFrameSize() int {
	if c.MaxFrameSize <= 0 {
		return defaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// policy resolves the effective ConversationPolicy.
func (c *Config) policy() ConversationPolicy {
	if !c.IndependentConversationQueueing {
		return SharedQueue
	}
	if c.ConversationPolicy == "" {
		return PerTarget
	}
	return c.ConversationPolicy
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0, not %v", c.RequestTimeout)
	}
	if c.ReplyTimeout <= 0 {
		return fmt.Errorf("reply_timeout must be > 0, not %v", c.ReplyTimeout)
	}
	if c.KeepAliveInterval < 0 {
		return fmt.Errorf("keep_alive_interval must be >= 0, not %v", c.KeepAliveInterval)
	}
	if c.MaxFrameSize < 0 {
		return fmt.Errorf("max_frame_size must be >= 0, not %v", c.MaxFrameSize)
	}
	switch c.ConversationPolicy {
	case "", SharedQueue, PerTarget:
	default:
		return fmt.Errorf("conversation_policy '%v' is not one of: %v, %v", c.ConversationPolicy, SharedQueue, PerTarget)
	}
	if _, err := parseCompressAlgo(c.Compression); err != nil {
		return err
	}
	if _, err := parseProtocolVersion(c.ProtocolVersion); err != nil {
		return err
	}
	return nil
}

// DefaultConfigPath says where LoadConfig looks by default:
// $XDG_CONFIG_HOME/distobj/config.yaml if XDG_CONFIG_HOME is
// set, else $HOME/.config/distobj/config.yaml, else
// config.yaml in the current directory.
func DefaultConfigPath() (path string) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	base := "config.yaml"
	switch {
	case dir != "":
		path = dir + sep + "distobj" + sep + base
	case home != "":
		path = home + sep + ".config" + sep + "distobj" + sep + base
	default:
		path = base
	}
	return path
}

// LoadConfig reads YAML settings from path over the defaults
// of NewConfig. A missing file gives the defaults and no error.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config '%v': %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config '%v': %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the YAML form of cfg to path.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ConfigWatcher reloads a config file whenever it changes.
type ConfigWatcher struct {
	path string
	w    *fsnotify.Watcher
	fn   func(*Config)

	mut  sync.Mutex
	last *Config

	done chan struct{}
	once sync.Once
}

// WatchConfig calls fn with the freshly loaded Config each time
// the file at path is written or re-created. Files that fail to
// load are reported and skipped; fn only sees valid configs.
// The directory is watched, not the file, so editors that save
// by rename are handled.
func WatchConfig(path string, fn func(*Config)) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch config dir '%v': %w", filepath.Dir(abs), err)
	}
	cw := &ConfigWatcher{
		path: abs,
		w:    w,
		fn:   fn,
		done: make(chan struct{}),
	}
	go cw.loop()
	return cw, nil
}

func (cw *ConfigWatcher) loop() {
	defer close(cw.done)
	for {
		select {
		case ev, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := LoadConfig(cw.path)
			if err != nil {
				alwaysPrintf("config reload of '%v' skipped: %v", cw.path, err)
				continue
			}
			cw.mut.Lock()
			cw.last = cfg
			cw.mut.Unlock()
			vv("config '%v' reloaded", cw.path)
			cw.fn(cfg)
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			alwaysPrintf("config watcher on '%v': %v", cw.path, err)
		}
	}
}

// Last returns the most recently loaded Config, or nil.
func (cw *ConfigWatcher) Last() *Config {
	cw.mut.Lock()
	defer cw.mut.Unlock()
	return cw.last
}

// Close stops watching and waits for the watcher goroutine.
func (cw *ConfigWatcher) Close() (err error) {
	cw.once.Do(func() {
		err = cw.w.Close()
		<-cw.done
	})
	return
}
