package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// #region interface

// ErrAborted is returned when a capture is cancelled before it completes.
var ErrAborted = errors.New("capture aborted")

// Source records one audio clip. Progress is reported in [0,1]; onProgress
// may be nil. A cancelled context or an external Cancel aborts the capture
// and returns ErrAborted.
type Source interface {
	Start(ctx context.Context, duration time.Duration, onProgress func(fraction float64)) ([]byte, error)
	Cancel()
}

// #endregion interface

// #region simulated

// Simulated produces a placeholder clip without audio hardware. Capture is
// split into fixed steps with an abort check between steps, so stop requests
// take effect mid-capture just as they do with real hardware.
type Simulated struct {
	sampleRate int

	mu        sync.Mutex
	cancelled chan struct{}

	// sleep is swapped in tests to avoid real waiting.
	sleep func(d time.Duration)
}

const simulatedSteps = 20

// NewSimulated creates a hardware-free audio source.
func NewSimulated(sampleRate int) *Simulated {
	return &Simulated{
		sampleRate: sampleRate,
		cancelled:  make(chan struct{}),
		sleep:      time.Sleep,
	}
}

// Start simulates a capture of the requested duration.
func (s *Simulated) Start(ctx context.Context, duration time.Duration, onProgress func(float64)) ([]byte, error) {
	log.Printf("[CAPTURE] simulated capture for %s", duration)
	step := duration / simulatedSteps

	s.mu.Lock()
	cancelled := s.cancelled
	s.mu.Unlock()

	for i := 1; i <= simulatedSteps; i++ {
		select {
		case <-ctx.Done():
			return nil, ErrAborted
		case <-cancelled:
			s.rearm()
			return nil, ErrAborted
		default:
		}
		s.sleep(step)
		if onProgress != nil {
			onProgress(float64(i) / simulatedSteps)
		}
	}

	samples := int(duration.Seconds() * float64(s.sampleRate))
	return make([]byte, samples*2), nil // 16-bit mono PCM
}

// Cancel aborts an in-flight capture at the next step boundary.
func (s *Simulated) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.cancelled:
	default:
		close(s.cancelled)
	}
}

func (s *Simulated) rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = make(chan struct{})
}

// #endregion simulated

// #region hardware

// AudioPort is the recording surface of a real audio device driver.
type AudioPort interface {
	Record(ctx context.Context, duration time.Duration) ([]byte, error)
}

// Hardware records through an injected audio device. Cancel may be called
// from a different goroutine than Start.
type Hardware struct {
	port AudioPort

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewHardware creates a source over a real audio device.
func NewHardware(port AudioPort) *Hardware {
	return &Hardware{port: port}
}

// Start records one clip. Progress is reported only at start and completion;
// the device driver owns the sample clock.
func (h *Hardware) Start(ctx context.Context, duration time.Duration, onProgress func(float64)) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	defer cancel()

	if onProgress != nil {
		onProgress(0)
	}
	audio, err := h.port.Record(ctx, duration)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ErrAborted
		}
		return nil, fmt.Errorf("record audio: %w", err)
	}
	if onProgress != nil {
		onProgress(1)
	}
	return audio, nil
}

// Cancel aborts an in-flight recording.
func (h *Hardware) Cancel() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// #endregion hardware
