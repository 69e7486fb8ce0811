// Package queueconfig loads the static queue definitions from an INI file
// (one section per queue, keyed "[queuename]") via spf13/viper, and watches
// the file for changes via fsnotify so edits take effect without a restart.
package queueconfig

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/snarg/acd-engine/internal/acdqueue"
)

// Loader implements acdqueue.StaticLoader over a viper-parsed INI file.
// Reload() re-reads the file from disk; Names()/Apply() then reflect the
// newest parse.
type Loader struct {
	mu   sync.RWMutex
	v    *viper.Viper
	path string
	log  zerolog.Logger
}

// NewLoader parses path once at construction. path must exist.
func NewLoader(path string, log zerolog.Logger) (*Loader, error) {
	l := &Loader{path: path, log: log}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the INI file from disk, replacing the in-memory parse
// atomically. A malformed file leaves the previous parse in place.
func (l *Loader) Reload() error {
	v := viper.New()
	v.SetConfigFile(l.path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("queueconfig: read %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	return nil
}

// Names returns every queue section name, excluding viper's implicit
// "general" top-level section (reserved for engine-wide defaults, not a
// queue).
func (l *Loader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for _, key := range l.v.AllKeys() {
		section := key
		if idx := strings.IndexByte(key, '.'); idx >= 0 {
			section = key[:idx]
		}
		if section == "general" || section == "" || seen[section] {
			continue
		}
		seen[section] = true
		names = append(names, section)
	}
	return names
}

// Apply copies name's section settings onto q, returning false if the
// section does not exist. Unrecognized keys are ignored and a malformed key
// never fails the load. A malformed or negative duration keeps q's current
// value; every other setting is overwritten from the section, absent keys
// included.
func (l *Loader) Apply(name string, q *acdqueue.Queue) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sec := l.v.Sub(strings.ToLower(name))
	if sec == nil {
		return false
	}

	q.Strategy = acdqueue.ParseStrategy(sec.GetString("strategy"))
	q.Weight = sec.GetInt("weight")
	q.MaxLen = sec.GetInt("maxlen")
	q.JoinEmptyPolicy = acdqueue.ParseEmptyPolicy(sec.GetString("joinempty"))
	q.LeaveEmptyPolicy = acdqueue.ParseEmptyPolicy(sec.GetString("leavewhenempty"))

	q.Flags.Autofill = sec.GetBool("autofill")
	q.Flags.RingInUse = sec.GetBool("ringinuse")
	q.Flags.MaskMemberStatus = sec.GetBool("maskmemberstatus")

	t := q.Timing
	if v := sec.GetString("timeout"); v != "" {
		t.RingTimeout = secondsOrDefault(v, t.RingTimeout)
	}
	if v := sec.GetString("retry"); v != "" {
		t.RetryInterval = secondsOrDefault(v, t.RetryInterval)
	}
	if v := sec.GetString("wrapuptime"); v != "" {
		t.WrapupTime = secondsOrDefault(v, t.WrapupTime)
	}
	if v := sec.GetString("servicelevel"); v != "" {
		t.ServiceLevel = secondsOrDefault(v, t.ServiceLevel)
	}
	t.TimeoutRestart = sec.GetBool("timeoutrestart")
	q.Timing = t

	ann := q.Announce
	if v := sec.GetString("announce-frequency"); v != "" {
		ann.Frequency = secondsOrDefault(v, ann.Frequency)
	}
	if v := sec.GetString("min-announce-frequency"); v != "" {
		ann.MinAnnounceFreq = secondsOrDefault(v, ann.MinAnnounceFreq)
	}
	if v := sec.GetString("periodic-announce-frequency"); v != "" {
		ann.PeriodicFreq = secondsOrDefault(v, ann.PeriodicFreq)
	}
	ann.RoundSeconds = sec.GetInt("announce-round-seconds")
	ann.AnnounceHoldtime = sec.GetString("announce-holdtime")
	ann.AnnouncePosition = sec.GetBool("announce-position")
	q.Announce = ann

	for _, raw := range sec.GetStringSlice("member") {
		iface, memberName, penalty, ok := parseMemberLine(raw)
		if !ok {
			l.log.Warn().Str("queue", name).Str("line", raw).Msg("skipping malformed member line")
			continue
		}
		q.Members().UpsertStatic(iface, memberName, penalty)
	}

	return true
}

// parseMemberLine parses the classic "Interface,penalty,Name" member
// directive. penalty and name are optional.
func parseMemberLine(raw string) (iface, name string, penalty int, ok bool) {
	parts := strings.Split(raw, ",")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		return "", "", 0, false
	}
	iface = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		if p, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
			penalty = p
		}
	}
	if len(parts) > 2 {
		name = strings.TrimSpace(parts[2])
	}
	return iface, name, penalty, true
}

func secondsOrDefault(s string, def time.Duration) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// Watcher reloads a Loader whenever its backing file changes and triggers
// onChange (typically Store.ReloadAll) afterward. Modeled on the same
// fsnotify watch-and-debounce pattern used for file-based ingest elsewhere
// in this codebase.
type Watcher struct {
	loader *Loader
	onChange func()
	log    zerolog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher constructs a Watcher. Start must be called to begin watching.
func NewWatcher(loader *Loader, onChange func(), log zerolog.Logger) *Watcher {
	return &Watcher{loader: loader, onChange: onChange, log: log, done: make(chan struct{})}
}

// Start begins watching the loader's backing file's parent directory
// (fsnotify tracks directories more reliably than individual files across
// editors that write-then-rename).
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	dir := filepath.Dir(w.loader.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("queueconfig: watch %s: %w", dir, err)
	}

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.loader.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("queue config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	if err := w.loader.Reload(); err != nil {
		w.log.Warn().Err(err).Msg("queue config reload failed, keeping previous configuration")
		return
	}
	w.log.Info().Str("path", w.loader.path).Msg("queue config reloaded")
	if w.onChange != nil {
		w.onChange()
	}
}

// Stop closes the fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}
