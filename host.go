package skylink

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

const gameProbeTTL = 5 * time.Second

// GameProbe reports whether the game client is running. Process listing is
// slow on some hosts, so results are cached briefly.
type GameProbe struct {
	names []string

	mu        sync.Mutex
	running   bool
	checkedAt time.Time

	// list is swapped out in tests.
	list func(ctx context.Context) ([]string, error)
}

// NewGameProbe matches process names case-insensitively against names.
func NewGameProbe(names []string) *GameProbe {
	return &GameProbe{names: names, list: processNames}
}

// Running reports whether any configured process is alive.
func (g *GameProbe) Running(ctx context.Context) bool {
	if g == nil || len(g.names) == 0 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.checkedAt.IsZero() && time.Since(g.checkedAt) < gameProbeTTL {
		return g.running
	}

	names, err := g.list(ctx)
	if err != nil {
		logrus.WithError(err).Debug("could not list processes")
		return g.running
	}
	g.running = false
	for _, name := range names {
		for _, want := range g.names {
			if strings.EqualFold(name, want) {
				g.running = true
			}
		}
	}
	g.checkedAt = time.Now()
	return g.running
}

func processNames(ctx context.Context) ([]string, error) {
	processes, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(processes))
	for _, p := range processes {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// logHostInfo writes one line describing the machine, which makes bug
// reports easier to read.
func logHostInfo() {
	info, err := host.Info()
	if err != nil {
		logrus.WithError(err).Debug("host info unavailable")
		return
	}
	logrus.WithFields(logrus.Fields{
		"hostname": info.Hostname,
		"os":       info.OS,
		"platform": info.Platform + " " + info.PlatformVersion,
		"kernel":   info.KernelVersion,
	}).Info("🖥️  host")
}
