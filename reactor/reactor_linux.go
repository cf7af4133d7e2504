//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based selector with an eventfd(2) wakeup.

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// epollSelector is a level-triggered epoll selector.
type epollSelector struct {
	epfd   int
	wakefd int

	mu       sync.Mutex
	interest map[int]Interest

	raw []unix.EpollEvent
}

// NewSelector constructs the Linux selector.
func NewSelector() (Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakeup: %w", err)
	}
	return &epollSelector{
		epfd:     epfd,
		wakefd:   wakefd,
		interest: make(map[int]Interest),
	}, nil
}

func toEpoll(i Interest) uint32 {
	var ev uint32
	if i&(Read|Accept) != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if i&(Write|Connect) != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32, registered Interest) Interest {
	var ready Interest
	if ev&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		ready |= registered & (Read | Accept)
	}
	if ev&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		ready |= registered & (Write | Connect)
	}
	return ready
}

func (s *epollSelector) Add(fd int, interest Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add fd=%d: %w", fd, err)
	}
	s.interest[fd] = interest
	return nil
}

func (s *epollSelector) Modify(fd int, interest Interest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.interest[fd]; !ok {
		return fmt.Errorf("epoll ctl mod fd=%d: %w", fd, unix.ENOENT)
	} else if cur == interest {
		return nil
	}
	ev := unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod fd=%d: %w", fd, err)
	}
	s.interest[fd] = interest
	return nil
}

func (s *epollSelector) Remove(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interest[fd]; !ok {
		return nil
	}
	delete(s.interest, fd)
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del fd=%d: %w", fd, err)
	}
	return nil
}

func (s *epollSelector) Interest(fd int) (Interest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.interest[fd]
	return i, ok
}

// Select waits for readiness. EINTR is reported as an empty wakeup.
func (s *epollSelector) Select(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if cap(s.raw) < len(events) {
		s.raw = make([]unix.EpollEvent, len(events))
	}
	raw := s.raw[:len(events)]
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(s.epfd, raw, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	out := 0
	s.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		if fd == s.wakefd {
			s.drainWakeup()
			continue
		}
		registered, ok := s.interest[fd]
		if !ok {
			// removed by another goroutine after the kernel queued the event
			continue
		}
		ready := fromEpoll(raw[i].Events, registered)
		hangup := raw[i].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
		if ready == 0 && !hangup {
			continue
		}
		events[out] = Event{Fd: fd, Ready: ready, Hangup: hangup}
		out++
	}
	s.mu.Unlock()
	return out, nil
}

func (s *epollSelector) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(s.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (s *epollSelector) Wakeup() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(s.wakefd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

func (s *epollSelector) Close() error {
	s.mu.Lock()
	s.interest = make(map[int]Interest)
	s.mu.Unlock()
	return multierr.Append(unix.Close(s.wakefd), unix.Close(s.epfd))
}
