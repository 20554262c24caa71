package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide session/traffic counter.
var Stats = &stats{}

type stats struct {
	Sessions     atomic.Int64 // cumulative count of sessions that reached Connected
	Ended        atomic.Int64 // cumulative count of connected sessions that ended
	ControlSent  atomic.Int64 // control and file frames written to the peer
	AudioSent    atomic.Int64 // cumulative audio bytes sent over UDP
	AudioRecv    atomic.Int64 // cumulative audio bytes received over UDP
	AudioDropped atomic.Int64 // datagrams from unexpected senders
}

func (s *stats) AddSession()        { s.Sessions.Add(1) }
func (s *stats) EndSession()        { s.Ended.Add(1) }
func (s *stats) AddControl()        { s.ControlSent.Add(1) }
func (s *stats) AddAudioSent(n int) { s.AudioSent.Add(int64(n)) }
func (s *stats) AddAudioRecv(n int) { s.AudioRecv.Add(int64(n)) }
func (s *stats) AddDropped()        { s.AudioDropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs audio throughput every
// interval while there is traffic. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevSessions, prevEnded int64
		for {
			select {
			case <-ticker.C:
				sessions := Stats.Sessions.Load()
				ended := Stats.Ended.Load()
				sent := Stats.AudioSent.Load()
				recv := Stats.AudioRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				upC := sessions - prevSessions
				downC := ended - prevEnded

				if upC > 0 || downC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, upC, downC))
				}

				prevSent = sent
				prevRecv = recv
				prevSessions = sessions
				prevEnded = ended

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B", " 1.5 KiB" or "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a one-line audio summary for the logger.
func formatStats(inS, outS float64, upC, downC int64) string {
	return fmt.Sprintf("Audio in: %s/s | out: %s/s | Sessions: %2d↑ %2d↓",
		formatBytes(inS),
		formatBytes(outS),
		upC,
		downC,
	)
}
