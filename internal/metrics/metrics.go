package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/go-bxcan/internal/bxcan"
	"github.com/kstaniek/go-bxcan/internal/logging"
)

// Driver gauges, refreshed from bxcan.Status by ObserveDriver. The driver
// counters restart with every Start, so they are exported as gauges.
var (
	CANPhase = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_driver_phase",
		Help: "Driver life-cycle stage (0 stopped, 1 starting, 2 running).",
	})
	CANTxFrames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_tx_frames",
		Help: "Frames transmitted successfully in the current session.",
	})
	CANRxFrames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_rx_frames",
		Help: "Frames received from the bus in the current session.",
	})
	CANBusErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_bus_errors",
		Help: "Bus error codes latched by the controller in the current session.",
	})
	CANLastError = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_last_error_code",
		Help: "Last error code (ESR.LEC) reported by the controller, 0 if none.",
	})
	CANRxOverruns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_rx_fifo_overruns",
		Help: "Hardware receive FIFO overruns in the current session.",
	})
	CANRxQueueDrops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_rx_queue_drops",
		Help: "Frames evicted from the software receive queue in the current session.",
	})
	CANRxQueueLen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_rx_queue_len",
		Help: "Frames waiting in the software receive queue.",
	})
	CANPendingTx = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_pending_tx_mailboxes",
		Help: "Transmit mailboxes holding a pending request.",
	})
	CANPeakTxMailbox = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "can_peak_tx_mailbox",
		Help: "Highest transmit mailbox index used in the current session.",
	})
)

// Prometheus counters
var (
	WireRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wire_rx_frames_total",
		Help: "Total CAN frames read from the wire backend.",
	})
	WireTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wire_tx_frames_total",
		Help: "Total CAN frames written to the wire backend.",
	})
	WireRxFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wire_rx_filtered_total",
		Help: "Total wire frames the controller did not accept (not running or filtered).",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	TxTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_tx_timeouts_total",
		Help: "Total client frames not admitted to a mailbox before the send timeout.",
	})
	LoopbackFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "can_loopback_failed_total",
		Help: "Total loopback echoes reporting a failed transmission.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, invalid frame).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead      = "tcp_read"
	ErrTCPWrite     = "tcp_write"
	ErrHandshake    = "handshake"
	ErrCANSend      = "can_send"
	ErrCANReceive   = "can_receive"
	ErrWireRead     = "wire_read"
	ErrWireWrite    = "wire_write"
	ErrWireOverflow = "wire_tx_overflow"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for logging without scraping.
var (
	localWireRx       uint64
	localWireTx       uint64
	localWireFiltered uint64
	localTCPRx        uint64
	localTCPTx        uint64
	localTxTimeouts   uint64
	localLoopFailed   uint64
	localHubDrop      uint64
	localHubKick      uint64
	localHubReject    uint64
	localErrors       uint64
	localHubClients   uint64
	localFanout       uint64
	localMalformed    uint64
	localQDMax        uint64
	localQDAvg        uint64

	lastDriver atomic.Pointer[bxcan.Status]
)

// Snapshot is a cheap copy of local counters plus the last driver status.
type Snapshot struct {
	WireRx        uint64
	WireTx        uint64
	WireFiltered  uint64
	TCPRx         uint64
	TCPTx         uint64
	TxTimeouts    uint64
	LoopbackFails uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	Errors        uint64 // sum across error labels
	HubClients    uint64
	Fanout        uint64
	Malformed     uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
	Driver        bxcan.Status
}

func Snap() Snapshot {
	s := Snapshot{
		WireRx:        atomic.LoadUint64(&localWireRx),
		WireTx:        atomic.LoadUint64(&localWireTx),
		WireFiltered:  atomic.LoadUint64(&localWireFiltered),
		TCPRx:         atomic.LoadUint64(&localTCPRx),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		TxTimeouts:    atomic.LoadUint64(&localTxTimeouts),
		LoopbackFails: atomic.LoadUint64(&localLoopFailed),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		Errors:        atomic.LoadUint64(&localErrors),
		HubClients:    atomic.LoadUint64(&localHubClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		Malformed:     atomic.LoadUint64(&localMalformed),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
	}
	if st := lastDriver.Load(); st != nil {
		s.Driver = *st
	}
	return s
}

// ObserveDriver exports a driver status sample.
func ObserveDriver(st bxcan.Status) {
	CANPhase.Set(float64(st.Phase))
	CANTxFrames.Set(float64(st.TxFrames))
	CANRxFrames.Set(float64(st.RxFrames))
	CANBusErrors.Set(float64(st.Errors))
	CANLastError.Set(float64(st.LastHWError))
	CANRxOverruns.Set(float64(st.RxOverflows))
	CANRxQueueDrops.Set(float64(st.RxQueueDrops))
	CANRxQueueLen.Set(float64(st.RxQueueLen))
	CANPendingTx.Set(float64(st.PendingTxSlots))
	CANPeakTxMailbox.Set(float64(st.PeakTxMailbox))
	lastDriver.Store(&st)
}

func IncWireRx() {
	WireRxFrames.Inc()
	atomic.AddUint64(&localWireRx, 1)
}

func IncWireTx() {
	WireTxFrames.Inc()
	atomic.AddUint64(&localWireTx, 1)
}

func IncWireFiltered() {
	WireRxFiltered.Inc()
	atomic.AddUint64(&localWireFiltered, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncTxTimeout() {
	TxTimeouts.Inc()
	atomic.AddUint64(&localTxTimeouts, 1)
}

func IncLoopbackFailed() {
	LoopbackFailed.Inc()
	atomic.AddUint64(&localLoopFailed, 1)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrCANSend, ErrCANReceive,
		ErrWireRead, ErrWireWrite, ErrWireOverflow,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: report ready so /ready does not flap during startup
		return true
	}
	return fn()
}
