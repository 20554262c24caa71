package relay

import (
	"bytes"
	"context"
	"errors"
	"net"

	"github.com/1ureka/officehours/internal/metrics"
	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/room"
	"github.com/1ureka/officehours/internal/util"
)

const maxDatagramSize = 64 * 1024

// serveUDP forwards audio datagrams between the registered endpoints of a
// room. Datagrams from unknown senders, or to an empty slot, are dropped.
func (s *Server) serveUDP(ctx context.Context) error {
	buf := make([]byte, maxDatagramSize)

	for {
		n, src, err := s.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			util.LogWarning("udp read failed: %v", err)
			continue
		}

		data := buf[:n]
		if bytes.Equal(data, protocol.PunchToken) {
			s.metrics.Datagrams.WithLabelValues(metrics.DatagramPunch).Inc()
			util.LogDebug("udp punch from %s", src)
			continue
		}

		dst, res := s.rooms.Route(src)
		switch res {
		case room.RouteForward:
			if _, err := s.udp.WriteToUDPAddrPort(data, dst); err != nil {
				util.LogDebug("udp forward %s -> %s failed: %v", src, dst, err)
				continue
			}
			s.metrics.Datagrams.WithLabelValues(metrics.DatagramForwarded).Inc()
		case room.RouteNoPeer:
			s.metrics.Datagrams.WithLabelValues(metrics.DatagramNoPeer).Inc()
		default:
			s.metrics.Datagrams.WithLabelValues(metrics.DatagramUnknown).Inc()
		}
	}
}
