package server

import (
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/kstaniek/go-bxcan/internal/hub"
)

// session is one handshaken client: its connection, its hub queue and the
// per-client counters reported on disconnect.
type session struct {
	id     uint64
	conn   net.Conn
	client *hub.Client
	logger *slog.Logger

	framesIn   atomic.Uint64 // accepted from the client and transmitted
	framesOut  atomic.Uint64 // written to the client
	filtered   atomic.Uint64
	invalid    atomic.Uint64
	txTimeouts atomic.Uint64 // no mailbox within the tx timeout
	txErrors   atomic.Uint64
}

// ClientStats is a snapshot of one connected client's counters.
type ClientStats struct {
	ID         uint64
	Remote     string
	FramesIn   uint64
	FramesOut  uint64
	Filtered   uint64
	Invalid    uint64
	TxTimeouts uint64
	TxErrors   uint64
	Queued     int
}

func (ss *session) stats() ClientStats {
	return ClientStats{
		ID:         ss.id,
		Remote:     ss.conn.RemoteAddr().String(),
		FramesIn:   ss.framesIn.Load(),
		FramesOut:  ss.framesOut.Load(),
		Filtered:   ss.filtered.Load(),
		Invalid:    ss.invalid.Load(),
		TxTimeouts: ss.txTimeouts.Load(),
		TxErrors:   ss.txErrors.Load(),
		Queued:     len(ss.client.Out),
	}
}

func (ss *session) logSummary() {
	st := ss.stats()
	ss.logger.Info("client_disconnected",
		"frames_in", st.FramesIn,
		"frames_out", st.FramesOut,
		"filtered", st.Filtered,
		"invalid", st.Invalid,
		"tx_timeouts", st.TxTimeouts,
		"tx_errors", st.TxErrors)
}
