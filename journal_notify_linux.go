//go:build linux

package skylink

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// watchDirectory delivers create and modify notifications for files in dir
// until ctx is done. The directory, not a single file, is watched so a
// rotation to a new journal is seen as IN_CREATE.
func watchDirectory(ctx context.Context, dir string) (<-chan fileChange, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}

	_, err = unix.InotifyAddWatch(fd, dir, unix.IN_CREATE|unix.IN_MODIFY|unix.IN_MOVED_TO)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("inotify_add_watch on %s: %w", dir, err)
	}

	changes := make(chan fileChange, 64)
	go inotifyLoop(ctx, fd, dir, changes)
	return changes, nil
}

// inotifyLoop polls fd with a 100ms timeout so it notices ctx without a
// busy loop. It closes fd and the channel on exit.
func inotifyLoop(ctx context.Context, fd int, dir string, changes chan<- fileChange) {
	defer close(changes)
	defer unix.Close(fd)

	buffer := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}

		pollDescriptors := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logrus.WithError(err).Error("journal watch stopped: poll failed")
			return
		}
		if count == 0 {
			continue
		}

		bytesRead, err := unix.Read(fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			logrus.WithError(err).Error("journal watch stopped: read failed")
			return
		}

		for _, change := range parseInotifyEvents(buffer[:bytesRead], dir) {
			select {
			case changes <- change:
			case <-ctx.Done():
				return
			}
		}
	}
}

// parseInotifyEvents decodes a buffer of raw inotify events (see
// inotify(7) for the layout) into named file changes. Events without a
// name refer to the directory itself and are skipped.
func parseInotifyEvents(buffer []byte, dir string) []fileChange {
	var changes []fileChange
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		mask := binary.NativeEndian.Uint32(buffer[offset+4 : offset+8])
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventSize := unix.SizeofInotifyEvent + nameLength
		if offset+eventSize > len(buffer) {
			break
		}

		if nameLength > 0 {
			name := nullTerminatedString(buffer[offset+unix.SizeofInotifyEvent : offset+eventSize])
			path := filepath.Join(dir, name)
			switch {
			case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
				changes = append(changes, fileChange{Path: path, Op: opCreate})
			case mask&unix.IN_MODIFY != 0:
				changes = append(changes, fileChange{Path: path, Op: opModify})
			}
		}

		offset += eventSize
	}
	return changes
}

func nullTerminatedString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
