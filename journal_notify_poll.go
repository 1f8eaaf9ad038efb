//go:build !linux

package skylink

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

const pollInterval = 250 * time.Millisecond

type fileStamp struct {
	size    int64
	modTime time.Time
}

// watchDirectory stats dir every pollInterval and reports new files as
// creates and size or mtime changes as modifies.
func watchDirectory(ctx context.Context, dir string) (<-chan fileChange, error) {
	seen, err := statDirectory(dir)
	if err != nil {
		return nil, err
	}

	changes := make(chan fileChange, 64)
	go func() {
		defer close(changes)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			current, err := statDirectory(dir)
			if err != nil {
				logrus.WithError(err).Debug("journal directory poll failed")
				continue
			}
			for name, stamp := range current {
				previous, known := seen[name]
				var change fileChange
				switch {
				case !known:
					change = fileChange{Path: filepath.Join(dir, name), Op: opCreate}
				case stamp != previous:
					change = fileChange{Path: filepath.Join(dir, name), Op: opModify}
				default:
					continue
				}
				select {
				case changes <- change:
				case <-ctx.Done():
					return
				}
			}
			seen = current
		}
	}()
	return changes, nil
}

func statDirectory(dir string) (map[string]fileStamp, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	stamps := make(map[string]fileStamp, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stamps[entry.Name()] = fileStamp{size: info.Size(), modTime: info.ModTime()}
	}
	return stamps, nil
}
