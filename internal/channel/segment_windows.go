//go:build windows

package channel

import (
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/bookget/capture/internal/utils"
	"golang.org/x/sys/windows"
)

const waitTimeout = 0x00000102

// windowsSegment is a pagefile-backed named file mapping guarded by a named mutex.
// The kernel tears the mapping down once the last handle is closed.
type windowsSegment struct {
	mutex   windows.Handle
	mapping windows.Handle
	view    uintptr
	mem     []byte
	sem     chan struct{}
}

func openSegment(name, _ string, timeout time.Duration) (segment, bool, error) {
	mutexName, err := windows.UTF16PtrFromString(`Local\` + name + "Mutex")
	if err != nil {
		return nil, false, fmt.Errorf("error encoding mutex name: %w", err)
	}
	mutex, err := windows.CreateMutex(nil, false, mutexName)
	if mutex == 0 {
		return nil, false, fmt.Errorf("error creating channel mutex: %w", err)
	}
	s := &windowsSegment{mutex: mutex, sem: make(chan struct{}, 1)}
	if err := s.lock(timeout); err != nil {
		windows.CloseHandle(mutex)
		return nil, false, err
	}

	mappingName, err := windows.UTF16PtrFromString(`Local\` + name)
	if err != nil {
		s.unlock()
		windows.CloseHandle(mutex)
		return nil, false, fmt.Errorf("error encoding mapping name: %w", err)
	}
	mapping, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, RecordSize, mappingName)
	if mapping == 0 {
		s.unlock()
		windows.CloseHandle(mutex)
		return nil, false, fmt.Errorf("error creating channel mapping: %w", err)
	}
	created := !errors.Is(err, windows.ERROR_ALREADY_EXISTS)
	view, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_WRITE, 0, 0, RecordSize)
	if err != nil {
		s.unlock()
		windows.CloseHandle(mapping)
		windows.CloseHandle(mutex)
		return nil, false, fmt.Errorf("error mapping channel view: %w", err)
	}
	s.mapping = mapping
	s.view = view
	s.mem = unsafe.Slice((*byte)(unsafe.Pointer(view)), RecordSize)
	return s, created, nil
}

func (s *windowsSegment) bytes() []byte { return s.mem }

func (s *windowsSegment) lock(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
	case <-timer.C:
		return utils.ErrChannelTimeout
	}
	// a mutex is owned by the thread that waited on it
	runtime.LockOSThread()
	event, err := windows.WaitForSingleObject(s.mutex, uint32(timeout/time.Millisecond))
	switch {
	case err != nil:
		runtime.UnlockOSThread()
		<-s.sem
		return fmt.Errorf("error waiting for channel mutex: %w", err)
	case event == waitTimeout:
		runtime.UnlockOSThread()
		<-s.sem
		return utils.ErrChannelTimeout
	}
	// WAIT_ABANDONED still grants ownership
	return nil
}

func (s *windowsSegment) unlock() error {
	err := windows.ReleaseMutex(s.mutex)
	runtime.UnlockOSThread()
	select {
	case <-s.sem:
	default:
	}
	return err
}

// close ignores keep: a named mapping cannot outlive its last handle.
func (s *windowsSegment) close(timeout time.Duration, _ bool) (bool, error) {
	lockErr := s.lock(timeout)
	if s.view != 0 {
		windows.UnmapViewOfFile(s.view)
		s.view, s.mem = 0, nil
	}
	windows.CloseHandle(s.mapping)
	if lockErr == nil {
		s.unlock()
	}
	windows.CloseHandle(s.mutex)
	// the kernel object outlives us while any sibling still holds a handle
	return false, lockErr
}
