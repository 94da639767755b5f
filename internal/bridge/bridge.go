// Package bridge turns OS device notifications into topology change calls.
package bridge

import (
	"context"
	"encoding/binary"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/decred/slog"
	"github.com/fsnotify/fsnotify"
	"github.com/leafo/blackkeys/internal/catalog"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultDebounce     = 250 * time.Millisecond
)

// DefaultWatchPaths are the directories whose entries change when MIDI
// hardware is plugged in or removed.
var DefaultWatchPaths = []string{"/dev/snd"}

// Handler is notified when the set of MIDI endpoints changed.
type Handler interface {
	TopologyChanged()
}

// Endpoints lists the current endpoints. catalog.Transport implements it.
type Endpoints interface {
	Sources() ([]catalog.Endpoint, error)
	Destinations() ([]catalog.Endpoint, error)
}

// Config holds the options of a Watcher.
type Config struct {
	Endpoints Endpoints
	Handler   Handler

	// WatchPaths are watched with fsnotify. Paths that do not exist are
	// ignored.
	WatchPaths []string

	// PollInterval is the period of the endpoint fingerprint check. Zero
	// disables polling.
	PollInterval time.Duration

	// Debounce coalesces bursts of notifications into one call.
	Debounce time.Duration

	Log slog.Logger
}

// Watcher calls Handler.TopologyChanged when either a watched path changes
// or the endpoint fingerprint differs from the last one seen.
type Watcher struct {
	cfg Config
	log slog.Logger
}

// New returns a new watcher.
func New(cfg Config) *Watcher {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Watcher{cfg: cfg, log: log}
}

// Fingerprint hashes the ids and names of every source and destination.
func Fingerprint(eps Endpoints) (uint64, error) {
	srcs, err := eps.Sources()
	if err != nil {
		return 0, err
	}
	dsts, err := eps.Destinations()
	if err != nil {
		return 0, err
	}

	d := xxhash.New()
	var b [8]byte
	add := func(kind byte, list []catalog.Endpoint) {
		for _, ep := range list {
			id, _ := ep.IntProperty(catalog.PropUniqueID)
			name, _ := ep.StringProperty(catalog.PropName)
			binary.BigEndian.PutUint64(b[:], id)
			d.Write([]byte{kind})
			d.Write(b[:])
			d.WriteString(name)
			d.Write([]byte{0})
		}
	}
	add('i', srcs)
	add('o', dsts)
	return d.Sum64(), nil
}

// fsWatcher starts an fsnotify watcher on the configured paths that exist.
// It returns nil when there is nothing to watch.
func (w *Watcher) fsWatcher() *fsnotify.Watcher {
	var paths []string
	for _, p := range w.cfg.WatchPaths {
		if _, err := os.Stat(p); err != nil {
			w.log.Debugf("Not watching %s: %v", p, err)
			continue
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warnf("Unable to start filesystem watcher: %v", err)
		return nil
	}
	var added int
	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			w.log.Warnf("Unable to watch %s: %v", p, err)
			continue
		}
		w.log.Debugf("Watching %s for device changes", p)
		added++
	}
	if added == 0 {
		watcher.Close()
		return nil
	}
	return watcher
}

func (w *Watcher) fingerprint() uint64 {
	if w.cfg.Endpoints == nil {
		return 0
	}
	fp, err := Fingerprint(w.cfg.Endpoints)
	if err != nil {
		w.log.Warnf("Unable to list endpoints: %v", err)
	}
	return fp
}

// Run watches for changes until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher := w.fsWatcher(); watcher != nil {
		defer watcher.Close()
		events, errs = watcher.Events, watcher.Errors
	}

	var tick <-chan time.Time
	if w.cfg.PollInterval > 0 && w.cfg.Endpoints != nil {
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	if events == nil && tick == nil {
		w.log.Warnf("No device change notifications available")
	}

	last := w.fingerprint()

	// fire is set while a notification is pending.
	var fire <-chan time.Time
	schedule := func() {
		if fire == nil {
			fire = time.After(w.cfg.Debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-fire:
			fire = nil
			w.cfg.Handler.TopologyChanged()
			last = w.fingerprint()

		case <-tick:
			if fp := w.fingerprint(); fp != last {
				w.log.Debugf("Endpoint fingerprint changed")
				last = fp
				schedule()
			}

		case event, ok := <-events:
			if !ok {
				w.log.Warnf("Filesystem watcher closed")
				events = nil
				continue
			}
			w.log.Tracef("Watcher event: %s", event)
			schedule()

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Debugf("Watcher error: %v", err)
		}
	}
}
