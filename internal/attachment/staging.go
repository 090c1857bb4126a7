// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package attachment

import (
	"cmp"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/llmui/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrTooLarge is returned when an upload exceeds Options.MaxBytes.
	ErrTooLarge = errors.New("attachment too large")

	// ErrUnsupportedType is returned when an upload is not an image.
	ErrUnsupportedType = errors.New("attachment is not an image")

	// ErrTooMany is returned when a queue already holds Options.MaxFiles.
	ErrTooMany = errors.New("too many pending attachments")
)

// =============================================================================
// TYPES
// =============================================================================

// Options configures staging.
type Options struct {
	Dir      string // staging directory, created on demand
	MaxBytes int64  // per file, 0 = unlimited
	MaxFiles int    // per queue, 0 = unlimited
	Shared   bool   // one queue for all clients
}

// DefaultOptions returns the default staging configuration.
func DefaultOptions() Options {
	return Options{
		Dir:      filepath.Join(os.TempDir(), "llmui-uploads"),
		MaxBytes: 20 << 20,
		MaxFiles: 8,
	}
}

// Handle identifies a staged upload.
type Handle struct {
	Name        string // storage file name inside the staging directory
	Original    string // name supplied by the client
	Size        int64
	ContentType string

	owner string // client key that staged it
	seq   uint64 // arrival order across all queues
}

// Staging holds pending uploads.
// It is safe for concurrent use.
type Staging struct {
	dir    string
	logger *zap.Logger

	mu     sync.Mutex
	opts   Options
	queues map[string][]Handle
	seq    uint64
}

// New creates a Staging area. A nil logger disables logging.
func New(opts Options, logger *zap.Logger) *Staging {
	if opts.Dir == "" {
		opts.Dir = DefaultOptions().Dir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Staging{
		dir:    opts.Dir,
		opts:   opts,
		queues: make(map[string][]Handle),
		logger: logger,
	}
}

// Dir returns the staging directory.
func (s *Staging) Dir() string {
	return s.dir
}

// Options returns the current settings.
func (s *Staging) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// SetOptions replaces the limits and the queue mode. The directory is fixed
// for the life of the Staging, so opts.Dir is ignored. Switching between
// per-client and shared queues regroups pending uploads in arrival order.
func (s *Staging) SetOptions(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts.Dir = s.dir
	regroup := opts.Shared != s.opts.Shared
	s.opts = opts
	if !regroup {
		return
	}

	var all []Handle
	for _, q := range s.queues {
		all = append(all, q...)
	}
	slices.SortFunc(all, func(a, b Handle) int { return cmp.Compare(a.seq, b.seq) })
	s.queues = make(map[string][]Handle)
	for _, h := range all {
		k := s.queueKey(h.owner)
		s.queues[k] = append(s.queues[k], h)
	}
}

func (s *Staging) queueKey(key string) string {
	if s.opts.Shared {
		return ""
	}
	return key
}

// =============================================================================
// STAGING
// =============================================================================

// Stage stores the upload read from r and queues it for key.
func (s *Staging) Stage(key, filename string, r io.Reader) (Handle, error) {
	opts := s.Options()
	if max := opts.MaxFiles; max > 0 && s.Pending(key) >= max {
		return Handle{}, ErrTooMany
	}

	limit := opts.MaxBytes
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Handle{}, fmt.Errorf("read upload: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return Handle{}, ErrTooLarge
	}

	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	h := Handle{
		Name:        uuid.NewString() + safeExt(filename),
		Original:    filepath.Base(filename),
		Size:        int64(len(data)),
		ContentType: contentType,
	}
	if err := util.AtomicWriteFileWithDir(filepath.Join(s.dir, h.Name), data, 0600, 0700); err != nil {
		return Handle{}, fmt.Errorf("stage upload: %w", err)
	}

	if err := s.Enqueue(key, h); err != nil {
		os.Remove(filepath.Join(s.dir, h.Name))
		return Handle{}, err
	}
	return h, nil
}

// Enqueue adds an already stored file to the queue for key.
func (s *Staging) Enqueue(key string, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.queueKey(key)
	if max := s.opts.MaxFiles; max > 0 && len(s.queues[k]) >= max {
		return ErrTooMany
	}
	h.owner = key
	h.seq = s.seq
	s.seq++
	s.queues[k] = append(s.queues[k], h)
	return nil
}

// Pending returns the number of files queued for key.
func (s *Staging) Pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[s.queueKey(key)])
}

// DrainAll empties the queue for key and returns the file contents base64
// encoded, in arrival order. Every file is deleted as it is read; files that
// have vanished are skipped.
func (s *Staging) DrainAll(key string) ([]string, error) {
	s.mu.Lock()
	k := s.queueKey(key)
	queue := s.queues[k]
	delete(s.queues, k)
	s.mu.Unlock()

	payloads := make([]string, 0, len(queue))
	var errs []error
	for _, h := range queue {
		path := filepath.Join(s.dir, h.Name)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("ATTACHMENT_MISSING", zap.String("file", h.Name))
				continue
			}
			errs = append(errs, fmt.Errorf("read attachment %s: %w", h.Name, err))
		} else {
			payloads = append(payloads, base64.StdEncoding.EncodeToString(data))
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("ATTACHMENT_REMOVE_FAILED", zap.String("file", h.Name), zap.Error(err))
		}
	}
	return payloads, errors.Join(errs...)
}

// Discard deletes everything queued for key without reading it.
func (s *Staging) Discard(key string) int {
	s.mu.Lock()
	k := s.queueKey(key)
	queue := s.queues[k]
	delete(s.queues, k)
	s.mu.Unlock()

	s.remove(queue)
	return len(queue)
}

// Purge deletes every queued file. It is called on shutdown.
func (s *Staging) Purge() int {
	s.mu.Lock()
	var all []Handle
	for _, q := range s.queues {
		all = append(all, q...)
	}
	s.queues = make(map[string][]Handle)
	s.mu.Unlock()

	s.remove(all)
	return len(all)
}

func (s *Staging) remove(handles []Handle) {
	for _, h := range handles {
		if err := os.Remove(filepath.Join(s.dir, h.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("ATTACHMENT_REMOVE_FAILED", zap.String("file", h.Name), zap.Error(err))
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// safeExt returns the lower-cased extension of name if it is plain
// alphanumeric, else "".
func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if !extPattern.MatchString(ext) {
		return ""
	}
	return ext
}
