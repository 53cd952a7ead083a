// Package feed turns a JSON-lines detection stream into detection frames.
//
// Each line is one detection.Frame as written by the detector bridge:
//
//	{"seq":12,"ts":"2026-03-01T12:00:00.1Z","detections":[{"class":"pulsador","confidence":0.91,"keypoints":[...]}]}
//
// The same format is used for live serial input and for recorded replays.
package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/banshee-data/gauge.report/internal/detection"
	"github.com/banshee-data/gauge.report/internal/monitoring"
	"github.com/banshee-data/gauge.report/internal/timeutil"
)

// MaxLineBytes bounds one encoded frame.
const MaxLineBytes = 1 << 20

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("feed closed")

type line struct {
	text []byte
	err  error
}

// LineSource reads frames from a byte stream. It implements
// detection.Source. Malformed lines are skipped and counted.
type LineSource struct {
	rc    io.ReadCloser
	clock timeutil.Clock

	// Replay keeps the timestamps recorded in the stream. When false, frames
	// without a timestamp are stamped on arrival.
	replay bool

	startOnce sync.Once
	lines     chan line
	closeOnce sync.Once
	closed    chan struct{}

	seq       atomic.Uint64
	frames    atomic.Int64
	malformed atomic.Int64
}

var _ detection.Source = (*LineSource)(nil)

// NewLineSource reads frames from rc. A nil clock uses the wall clock.
func NewLineSource(rc io.ReadCloser, clock timeutil.Clock) *LineSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LineSource{
		rc:     rc,
		clock:  clock,
		lines:  make(chan line, 16),
		closed: make(chan struct{}),
	}
}

// OpenSerial opens a detector bridge attached to a serial port.
func OpenSerial(path string, opts PortOptions) (*LineSource, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	monitoring.Opsf("reading detections from %s at %d baud", path, mode.BaudRate)
	return NewLineSource(port, nil), nil
}

// OpenReplay replays a recorded JSON-lines file. Frame timestamps are taken
// from the file.
func OpenReplay(path string) (*LineSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay %s: %w", path, err)
	}
	src := NewLineSource(f, nil)
	src.replay = true
	return src, nil
}

func (s *LineSource) start() {
	s.startOnce.Do(func() {
		go s.scan()
	})
}

func (s *LineSource) scan() {
	defer close(s.lines)
	scan := bufio.NewScanner(s.rc)
	scan.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for scan.Scan() {
		text := append([]byte(nil), scan.Bytes()...)
		select {
		case s.lines <- line{text: text}:
		case <-s.closed:
			return
		}
	}
	if err := scan.Err(); err != nil {
		select {
		case s.lines <- line{err: err}:
		case <-s.closed:
		}
	}
}

// Next blocks until a well-formed frame arrives, the stream ends (io.EOF)
// or ctx is cancelled.
func (s *LineSource) Next(ctx context.Context) (detection.Frame, error) {
	s.start()
	for {
		select {
		case <-s.closed:
			return detection.Frame{}, ErrClosed
		default:
		}
		select {
		case <-ctx.Done():
			return detection.Frame{}, ctx.Err()
		case <-s.closed:
			return detection.Frame{}, ErrClosed
		case l, ok := <-s.lines:
			if !ok {
				return detection.Frame{}, io.EOF
			}
			if l.err != nil {
				return detection.Frame{}, fmt.Errorf("read detections: %w", l.err)
			}
			frame, ok := s.decode(l.text)
			if !ok {
				continue
			}
			return frame, nil
		}
	}
}

func (s *LineSource) decode(text []byte) (detection.Frame, bool) {
	if len(bytes.TrimSpace(text)) == 0 {
		return detection.Frame{}, false
	}
	var frame detection.Frame
	if err := json.Unmarshal(text, &frame); err != nil {
		s.malformed.Add(1)
		monitoring.Diagf("skipping malformed detection line: %v", err)
		return detection.Frame{}, false
	}
	if frame.Timestamp.IsZero() {
		if s.replay {
			s.malformed.Add(1)
			monitoring.Diagf("skipping replay frame %d without timestamp", frame.Seq)
			return detection.Frame{}, false
		}
		frame.Timestamp = s.clock.Now()
	}
	if frame.Seq == 0 {
		frame.Seq = s.seq.Add(1)
	} else {
		s.seq.Store(frame.Seq)
	}
	s.frames.Add(1)
	return frame, true
}

// Stats reports frames decoded and lines skipped.
func (s *LineSource) Stats() (frames, malformed int64) {
	return s.frames.Load(), s.malformed.Load()
}

// Close stops reading and closes the underlying stream.
func (s *LineSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.rc.Close()
	})
	return err
}
