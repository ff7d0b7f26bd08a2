package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/text-scanner/internal/acquire"
	"github.com/zombor/text-scanner/internal/archive"
	"github.com/zombor/text-scanner/internal/history"
	"github.com/zombor/text-scanner/internal/quota"
	"github.com/zombor/text-scanner/internal/scanning"
)

var (
	// ErrBusy is returned when an attempt is already in flight
	ErrBusy = errors.New("a scan is already in progress")

	// ErrNotCancellable is returned by Cancel outside of acquisition
	ErrNotCancellable = errors.New("scan cannot be cancelled now")

	// ErrNotCapturing is returned by Capture when no camera is waiting for the shutter
	ErrNotCapturing = errors.New("no camera capture in progress")
)

// Gate authorizes scan attempts
type Gate interface {
	Authorize(ctx context.Context, ownerID string) (quota.Decision, quota.State, error)
}

// Recorder persists finished scans
type Recorder interface {
	Append(ctx context.Context, ownerID, text string, source history.Source, imageKey string) (*history.ScanRecord, error)
}

// Shutter is implemented by sources that wait for a capture signal
type Shutter interface {
	Trigger() bool
}

// IDGenerator generates attempt IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.New().String()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Options tune a Manager
type Options struct {
	// Language is the recognition language hint
	Language string
	// Archive keeps source images when set
	Archive archive.Storage
	// SkipEmpty finishes attempts that found no text without writing a record
	SkipEmpty bool
}

// attempt is the bookkeeping of one in-flight scan
type attempt struct {
	id        string
	cancel    context.CancelFunc
	cancelled bool
	shutter   Shutter
	done      chan struct{}
}

// Manager runs one scan attempt at a time: quota check, acquisition,
// recognition and persistence, strictly in that order.
type Manager struct {
	gate        Gate
	recognizer  scanning.Recognizer
	recorder    Recorder
	opts        Options
	idGenerator IDGenerator
	timeSource  TimeSource

	mu      sync.Mutex
	status  Status
	current *attempt
}

// NewManager creates a new Manager
func NewManager(gate Gate, recognizer scanning.Recognizer, recorder Recorder, opts Options) *Manager {
	return NewManagerWithDeps(gate, recognizer, recorder, opts, &uuidGenerator{}, &defaultTimeSource{})
}

// NewManagerWithDeps creates a new Manager with custom dependencies for testing
func NewManagerWithDeps(gate Gate, recognizer scanning.Recognizer, recorder Recorder, opts Options, idGen IDGenerator, timeSrc TimeSource) *Manager {
	if opts.Language == "" {
		opts.Language = scanning.DefaultLanguage
	}
	return &Manager{
		gate:        gate,
		recognizer:  recognizer,
		recorder:    recorder,
		opts:        opts,
		idGenerator: idGen,
		timeSource:  timeSrc,
		status:      Status{State: StateIdle},
	}
}

// Status returns a snapshot of the current or last attempt
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Start begins a scan attempt. The quota check runs before Start returns;
// acquisition and the later steps continue in the background. Start fails
// with ErrBusy while another attempt is running.
func (m *Manager) Start(ctx context.Context, ownerID string, kind history.Source, src acquire.Source) (Status, error) {
	if ownerID == "" {
		return Status{}, quota.ErrUnauthenticated
	}

	m.mu.Lock()
	if m.status.State.Running() {
		status := m.status
		m.mu.Unlock()
		return status, ErrBusy
	}
	startedAt := m.timeSource.Now()
	a := &attempt{
		id:   m.idGenerator.Generate(),
		done: make(chan struct{}),
	}
	m.current = a
	m.status = Status{
		AttemptID: a.id,
		State:     StateCheckingQuota,
		Source:    kind,
		StartedAt: &startedAt,
	}
	m.mu.Unlock()

	decision, qs, err := m.gate.Authorize(ctx, ownerID)
	if err != nil {
		slog.Error("Failed to check quota", "owner", ownerID, "error", err)
		m.finish(a, func(s *Status) {
			s.State = StateFailed
			s.Reason = ReasonQuotaUnavailable
			s.Err = fmt.Errorf("checking quota: %w", err)
		})
		return m.Status(), nil
	}
	if decision == quota.Denied {
		m.finish(a, func(s *Status) {
			s.State = StateQuotaExceeded
			s.Quota = &qs
		})
		return m.Status(), nil
	}

	// The attempt outlives the request that started it. Only Cancel stops it.
	bg := context.WithoutCancel(ctx)
	acquireCtx, cancel := context.WithCancel(bg)

	m.mu.Lock()
	a.cancel = cancel
	if shutter, ok := src.(Shutter); ok {
		a.shutter = shutter
	}
	m.status.State = StateAcquiring
	m.status.Quota = &qs
	status := m.status
	m.mu.Unlock()

	go m.run(bg, acquireCtx, a, ownerID, kind, src, qs)

	return status, nil
}

// Scan runs a complete attempt and returns its terminal status
func (m *Manager) Scan(ctx context.Context, ownerID string, kind history.Source, src acquire.Source) (Status, error) {
	status, err := m.Start(ctx, ownerID, kind, src)
	if err != nil || status.State.Terminal() {
		return status, err
	}
	return m.Wait(ctx)
}

// Wait blocks until the current attempt is terminal or ctx is done
func (m *Manager) Wait(ctx context.Context) (Status, error) {
	m.mu.Lock()
	a := m.current
	m.mu.Unlock()
	if a == nil {
		return m.Status(), nil
	}

	select {
	case <-a.done:
		return m.Status(), nil
	case <-ctx.Done():
		return m.Status(), ctx.Err()
	}
}

// Cancel stops the attempt while it is still acquiring an image. Once a
// frame has been taken the attempt carries on and Cancel has no effect.
func (m *Manager) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.current
	if a == nil || m.status.State != StateAcquiring || a.cancel == nil {
		return ErrNotCancellable
	}
	a.cancelled = true
	a.cancel()
	return nil
}

// Capture fires the shutter of a camera attempt
func (m *Manager) Capture() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.current
	if a == nil || m.status.State != StateAcquiring || a.shutter == nil {
		return ErrNotCapturing
	}
	if !a.shutter.Trigger() {
		slog.Debug("Shutter already pending", "attempt", a.id)
	}
	return nil
}

func (m *Manager) run(ctx, acquireCtx context.Context, a *attempt, ownerID string, kind history.Source, src acquire.Source, qs quota.State) {
	img, err := src.Acquire(acquireCtx)
	a.cancel()

	// A frame that was already taken wins over a late Cancel.
	if !m.advance(a, StateRecognizing, func(s *Status) bool {
		if err != nil && a.cancelled {
			s.State = StateCancelled
			return false
		}
		if err != nil {
			slog.Warn("Failed to acquire image", "attempt", a.id, "source", kind, "error", err)
			s.State, s.Reason = acquisitionFailure(err)
			if s.State == StateFailed {
				s.Err = fmt.Errorf("acquiring image: %w", err)
			}
			return false
		}
		return true
	}) {
		return
	}

	text, err := m.recognizer.Recognize(ctx, img, m.opts.Language)
	if err != nil {
		if !errors.Is(err, scanning.ErrRecognitionFailed) {
			err = fmt.Errorf("%w: %w", scanning.ErrRecognitionFailed, err)
		}
		slog.Error("Failed to recognize text", "attempt", a.id, "error", err)
		m.finish(a, func(s *Status) {
			s.State = StateFailed
			s.Reason = ReasonRecognitionFailed
			s.Err = err
		})
		return
	}

	if text == "" && m.opts.SkipEmpty {
		m.finish(a, func(s *Status) {
			s.State = StateDone
		})
		return
	}

	m.advance(a, StatePersisting, func(s *Status) bool {
		s.Text = text
		return true
	})

	imageKey := m.archiveImage(ctx, a, ownerID, img)

	record, err := m.recorder.Append(ctx, ownerID, text, kind, imageKey)
	if err != nil {
		if !errors.Is(err, history.ErrPersistence) {
			err = fmt.Errorf("%w: %w", history.ErrPersistence, err)
		}
		slog.Error("Failed to save scan", "attempt", a.id, "error", err)
		if imageKey != "" {
			if delErr := m.opts.Archive.Delete(ctx, imageKey); delErr != nil {
				slog.Warn("Failed to delete archived image", "key", imageKey, "error", delErr)
			}
		}
		m.finish(a, func(s *Status) {
			s.State = StateFailed
			s.Reason = ReasonPersistenceError
			s.Err = err
		})
		return
	}

	used := qs.WithUsed(qs.Used + 1)
	m.finish(a, func(s *Status) {
		s.State = StateDone
		s.Record = record
		s.Quota = &used
	})
}

// archiveImage saves the source image and returns its key, or an empty key
// when archiving is off or failed
func (m *Manager) archiveImage(ctx context.Context, a *attempt, ownerID string, img *acquire.Image) string {
	if m.opts.Archive == nil {
		return ""
	}
	key := archive.ImageKey(ownerID, a.id)
	if err := m.opts.Archive.Save(ctx, key, img.Data, img.ContentType); err != nil {
		slog.Warn("Failed to archive image", "attempt", a.id, "key", key, "error", err)
		return ""
	}
	return key
}

// advance moves attempt a to next unless check ends it first.
// It reports whether the attempt continues.
func (m *Manager) advance(a *attempt, next State, check func(s *Status) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != a {
		return false
	}
	if !check(&m.status) {
		m.closeLocked(a)
		return false
	}
	m.status.State = next
	return true
}

// finish moves attempt a to a terminal state
func (m *Manager) finish(a *attempt, apply func(s *Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != a {
		return
	}
	apply(&m.status)
	m.closeLocked(a)
}

func (m *Manager) closeLocked(a *attempt) {
	if m.status.State == StateFailed {
		m.status.Message = m.status.Reason.Message()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.shutter = nil
	close(a.done)
}

func acquisitionFailure(err error) (State, Reason) {
	switch {
	case errors.Is(err, context.Canceled):
		return StateCancelled, ""
	case errors.Is(err, acquire.ErrCameraUnavailable):
		return StateFailed, ReasonCameraUnavailable
	case errors.Is(err, acquire.ErrUnsupportedFormat):
		return StateFailed, ReasonUnsupportedFormat
	default:
		return StateFailed, ReasonAcquisitionFailed
	}
}
