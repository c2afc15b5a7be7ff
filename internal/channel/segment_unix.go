//go:build !windows

package channel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bookget/capture/internal/utils"
	"golang.org/x/sys/unix"
)

const lockPollInterval = 5 * time.Millisecond

// unixSegment backs the record with an mmap'd file. The named mutex is an flock on
// the data file; a shared flock on the .ref sidecar counts attached processes.
type unixSegment struct {
	path string
	data *os.File
	ref  *os.File
	mem  []byte
	// flock is per open file description, so goroutines sharing it need their own gate
	sem chan struct{}
}

func defaultDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func openSegment(name, dir string, timeout time.Duration) (segment, bool, error) {
	if dir == "" {
		dir = defaultDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, false, fmt.Errorf("error creating channel directory: %w", err)
	}
	path := filepath.Join(dir, name)

	// a concurrent teardown may unlink the file between open and lock
	for attempt := 0; attempt < 3; attempt++ {
		data, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, false, fmt.Errorf("error opening channel segment: %w", err)
		}
		s := &unixSegment{path: path, data: data, sem: make(chan struct{}, 1)}
		if err := s.lock(timeout); err != nil {
			data.Close()
			return nil, false, err
		}
		if !s.linked() {
			s.unlock()
			data.Close()
			continue
		}
		created, err := s.attach()
		if err != nil {
			s.unlock()
			s.release()
			return nil, false, err
		}
		return s, created, nil
	}
	return nil, false, fmt.Errorf("error opening channel segment: %s keeps being removed", path)
}

func (s *unixSegment) linked() bool {
	held, err := s.data.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(s.path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}

func (s *unixSegment) attach() (bool, error) {
	ref, err := os.OpenFile(s.path+".ref", os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return false, fmt.Errorf("error opening channel refcount: %w", err)
	}
	s.ref = ref
	if err := unix.Flock(int(ref.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		return false, fmt.Errorf("error registering with channel: %w", err)
	}

	fi, err := s.data.Stat()
	if err != nil {
		return false, fmt.Errorf("error reading channel segment: %w", err)
	}
	created := fi.Size() < RecordSize
	if created {
		if err := s.data.Truncate(RecordSize); err != nil {
			return false, fmt.Errorf("error sizing channel segment: %w", err)
		}
	}
	mem, err := unix.Mmap(int(s.data.Fd()), 0, RecordSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return false, fmt.Errorf("error mapping channel segment: %w", err)
	}
	s.mem = mem
	return created, nil
}

func (s *unixSegment) bytes() []byte { return s.mem }

func (s *unixSegment) lock(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
	case <-timer.C:
		return utils.ErrChannelTimeout
	}
	for {
		err := unix.Flock(int(s.data.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			<-s.sem
			return fmt.Errorf("error locking channel segment: %w", err)
		}
		if time.Now().After(deadline) {
			<-s.sem
			return utils.ErrChannelTimeout
		}
		time.Sleep(lockPollInterval)
	}
}

func (s *unixSegment) unlock() error {
	err := unix.Flock(int(s.data.Fd()), unix.LOCK_UN)
	select {
	case <-s.sem:
	default:
	}
	return err
}

func (s *unixSegment) release() {
	if s.mem != nil {
		unix.Munmap(s.mem)
		s.mem = nil
	}
	if s.ref != nil {
		s.ref.Close()
	}
	s.data.Close()
}

func (s *unixSegment) close(timeout time.Duration, keep bool) (bool, error) {
	if err := s.lock(timeout); err != nil {
		s.release()
		return false, err
	}
	last := !keep && unix.Flock(int(s.ref.Fd()), unix.LOCK_EX|unix.LOCK_NB) == nil
	if last {
		clear(s.mem)
		os.Remove(s.path)
		os.Remove(s.path + ".ref")
	}
	s.unlock()
	s.release()
	return last, nil
}
