package source

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// LineSource frames a byte stream into newline-terminated lines.
// A background goroutine reads the stream and queues complete lines on a
// bounded channel; when the queue is full it stops reading, so the
// transport buffers apply backpressure and nothing is dropped.
type LineSource struct {
	name  string
	rc    io.ReadCloser
	lines chan []byte
	done  chan struct{}

	mu  sync.Mutex
	err error

	// failed is set after the queue closed on an error other than EOF;
	// reported once ReadLine has returned that error
	failed    atomic.Bool
	reported  atomic.Bool
	oversized atomic.Uint64
	closeOnce sync.Once
}

// NewLineSource starts framing rc. Lines longer than maxLine bytes are
// discarded and counted.
func NewLineSource(name string, rc io.ReadCloser, buffer, maxLine int) *LineSource {
	if buffer <= 0 {
		buffer = 1024
	}
	if maxLine <= 0 {
		maxLine = 4096
	}

	s := &LineSource{
		name:  name,
		rc:    rc,
		lines: make(chan []byte, buffer),
		done:  make(chan struct{}),
	}
	go s.readLoop(maxLine)
	return s
}

func (s *LineSource) readLoop(maxLine int) {
	var stopErr error
	defer func() {
		recorded := stopErr != nil && s.stop(stopErr)
		close(s.lines)
		if recorded && !errors.Is(stopErr, io.EOF) {
			s.failed.Store(true)
		}
	}()

	r := bufio.NewReaderSize(s.rc, maxLine)
	discarding := false
	for {
		chunk, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !discarding {
				s.oversized.Add(1)
			}
			discarding = true
			continue
		}

		if discarding {
			// Tail of an oversized line.
			discarding = false
		} else if len(chunk) > 0 {
			line := append([]byte(nil), chunk...)
			select {
			case s.lines <- line:
			case <-s.done:
				return
			}
		}

		if err != nil {
			stopErr = err
			return
		}
	}
}

// stop records the error that ended the stream before the line queue is
// closed. Errors caused by Close are not recorded.
func (s *LineSource) stop(err error) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return true
}

// HasData implements Source.HasData. It also reports true once after
// the stream failed, so the failure is delivered by ReadLine.
func (s *LineSource) HasData() bool {
	return len(s.lines) > 0 || (s.failed.Load() && !s.reported.Load())
}

// ReadLine implements Source.ReadLine
func (s *LineSource) ReadLine() ([]byte, error) {
	select {
	case line, ok := <-s.lines:
		if !ok {
			if err := s.Err(); err != nil && !errors.Is(err, io.EOF) && s.reported.CompareAndSwap(false, true) {
				return nil, err
			}
			return nil, io.EOF
		}
		return line, nil
	default:
		return nil, ErrNoData
	}
}

// Err returns the error that stopped the reader, io.EOF at end of stream
func (s *LineSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Oversized returns how many lines were discarded for exceeding the limit
func (s *LineSource) Oversized() uint64 {
	return s.oversized.Load()
}

// Name implements Source.Name
func (s *LineSource) Name() string {
	return s.name
}

// Close implements Source.Close
func (s *LineSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.rc.Close()
	})
	return err
}
