package wikisync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
)

// a rendered element that references an attachment file
type MediaElement interface {
	Source() string
	SetSource(source string)
}

// the host shell's view of currently rendered media-bearing elements
type MediaScanner interface {
	MediaElements() []MediaElement
}

// reacts to attachment-received notifications by forcing matching rendered
// elements to re-fetch. best effort, not part of the convergence guarantee
type attachmentNotifier struct {
	session *ReplicaSession
	scanner MediaScanner
}

func newAttachmentNotifier(session *ReplicaSession, scanner MediaScanner) *attachmentNotifier {
	return &attachmentNotifier{
		session: session,
		scanner: scanner,
	}
}

func (self *attachmentNotifier) HandleAttachment(filename string) {
	if self.scanner == nil {
		return
	}
	normalized := normalizeAttachmentFilename(filename)
	if normalized == "" {
		return
	}
	refreshed := 0
	now := self.session.clock.Now()
	for _, element := range self.scanner.MediaElements() {
		source := element.Source()
		if matchesAttachmentSource(source, normalized) {
			element.SetSource(cacheBustedSource(source, now))
			refreshed += 1
		}
	}
	glog.V(2).Infof("[att]%s refreshed %d for %s\n", self.session.wikiId, refreshed, normalized)
}

// strips the leading relative-path marker
func normalizeAttachmentFilename(filename string) string {
	return strings.TrimPrefix(filename, "./")
}

// the supported addressing schemes for attachment sources:
// the internal content-protocol form, an HTTP-served form with a
// distinguishable files path segment, and a plain relative path
func matchesAttachmentSource(source string, filename string) bool {
	if source == "" {
		return false
	}
	// drop any existing query
	if i := strings.IndexByte(source, '?'); 0 <= i {
		source = source[0:i]
	}

	if strings.HasPrefix(source, "wikifile://") {
		rest := strings.TrimPrefix(source, "wikifile://")
		return rest == filename || strings.HasSuffix(rest, "/"+filename)
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		u, err := url.Parse(source)
		if err != nil {
			return false
		}
		if !strings.Contains(u.Path, "/files/") {
			return false
		}
		return strings.HasSuffix(u.Path, "/"+filename)
	}
	// plain relative path
	trimmed := strings.TrimPrefix(source, "./")
	return trimmed == filename || trimmed == "files/"+filename
}

// appends a cache-defeating query parameter so the element re-fetches
func cacheBustedSource(source string, now time.Time) string {
	separator := "?"
	if strings.Contains(source, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%sv=%d", source, separator, now.UnixNano())
}

type AttachmentWatcherSettings struct {
	// per-filename debounce of file events
	Debounce time.Duration

	Clock clockwork.Clock
}

func DefaultAttachmentWatcherSettings() *AttachmentWatcherSettings {
	return &AttachmentWatcherSettings{
		Debounce: 200 * time.Millisecond,
		Clock:    clockwork.NewRealClock(),
	}
}

// watches the replica's files directory and notifies peers when an
// attachment is written, so their rendered views refresh
type AttachmentWatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	dir       string
	clock     clockwork.Clock
	settings  *AttachmentWatcherSettings

	watcher *fsnotify.Watcher

	stateLock sync.Mutex
	timers    map[string]clockwork.Timer
}

func NewAttachmentWatcher(
	ctx context.Context,
	transport Transport,
	dir string,
	settings *AttachmentWatcherSettings,
) (*AttachmentWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	attachmentWatcher := &AttachmentWatcher{
		ctx:       cancelCtx,
		cancel:    cancel,
		transport: transport,
		dir:       dir,
		clock:     settings.Clock,
		settings:  settings,
		watcher:   watcher,
		timers:    map[string]clockwork.Timer{},
	}
	go attachmentWatcher.run()
	return attachmentWatcher, nil
}

func (self *AttachmentWatcher) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-self.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			filename := strings.TrimPrefix(strings.TrimPrefix(event.Name, self.dir), "/")
			self.noteEvent(filename)
		case err, ok := <-self.watcher.Errors:
			if !ok {
				return
			}
			glog.Infof("[aw]watch error = %s\n", err)
		}
	}
}

// debounces rapid rewrites of the same file into one notification
func (self *AttachmentWatcher) noteEvent(filename string) {
	if filename == "" {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.timers[filename]; ok {
		return
	}
	self.timers[filename] = self.clock.AfterFunc(self.settings.Debounce, func() {
		self.stateLock.Lock()
		delete(self.timers, filename)
		self.stateLock.Unlock()

		self.transport.Send(&AttachmentReceived{
			Filename: filename,
		}, nil)
		glog.V(2).Infof("[aw]-> %s\n", filename)
	})
}

func (self *AttachmentWatcher) Close() {
	self.cancel()
	self.watcher.Close()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, timer := range self.timers {
		timer.Stop()
	}
	self.timers = map[string]clockwork.Timer{}
}
