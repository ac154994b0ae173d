package mirror

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"ticksync.dev/internal/logging"
)

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	Uploaded      uint64
	Failed        uint64
	Dropped       uint64
	LastSuccess   int64 // unix seconds
}

// Uploader is what a Mirror needs from a Client.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

// Mirror copies save games and session archives to object storage in the
// background. Keys are the file's path relative to the data directory.
type Mirror struct {
	up      Uploader
	dataDir string
	prefix  string
	log     *zap.SugaredLogger

	jobs     chan string
	wait     time.Duration
	attempts int
	backoff  time.Duration
	wg       sync.WaitGroup

	uploaded    atomic.Uint64
	failed      atomic.Uint64
	dropped     atomic.Uint64
	lastSuccess atomic.Int64
}

type Options struct {
	Prefix  string
	Workers int
	Queue   int
	// EnqueueWait bounds how long Enqueue blocks on a full queue.
	EnqueueWait time.Duration
}

func New(up Uploader, dataDir string, opt Options, logger *zap.SugaredLogger) *Mirror {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.Queue <= 0 {
		opt.Queue = 256
	}
	if opt.EnqueueWait <= 0 {
		opt.EnqueueWait = 25 * time.Millisecond
	}
	m := &Mirror{
		up:       up,
		dataDir:  dataDir,
		prefix:   strings.Trim(strings.ReplaceAll(opt.Prefix, "\\", "/"), "/"),
		log:      logging.OrNop(logger),
		jobs:     make(chan string, opt.Queue),
		wait:     opt.EnqueueWait,
		attempts: 4,
		backoff:  200 * time.Millisecond,
	}
	for i := 0; i < opt.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. A nil Mirror ignores it.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	select {
	case m.jobs <- localPath:
		return
	default:
	}
	t := time.NewTimer(m.wait)
	defer t.Stop()
	select {
	case m.jobs <- localPath:
	case <-t.C:
		m.dropped.Add(1)
		m.log.Warnw("mirror queue full, upload dropped", "path", localPath)
	}
}

// Close uploads what is queued and waits for the workers.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(m.jobs),
		QueueCapacity: cap(m.jobs),
		Uploaded:      m.uploaded.Load(),
		Failed:        m.failed.Load(),
		Dropped:       m.dropped.Load(),
		LastSuccess:   m.lastSuccess.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.key(localPath)
	if err != nil {
		m.failed.Add(1)
		m.log.Warnw("mirror skipped", "path", localPath, "err", err)
		return
	}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			m.uploaded.Add(1)
			m.lastSuccess.Store(time.Now().Unix())
			m.log.Debugw("mirrored", "key", key)
			return
		}
		if attempt == m.attempts {
			break
		}
		time.Sleep(time.Duration(attempt*attempt) * m.backoff)
	}
	m.failed.Add(1)
	m.log.Errorw("mirror upload failed", "key", key, "path", localPath, "err", err)
}

func (m *Mirror) key(localPath string) (string, error) {
	base, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", eris.Wrap(err, "data dir")
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", eris.Wrap(err, "path")
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", eris.Wrap(err, "relative path")
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", eris.Errorf("%s is outside %s", abs, base)
	}
	if m.prefix != "" {
		rel = path.Join(m.prefix, rel)
	}
	return rel, nil
}
