// Package metrics exposes the server's Prometheus collectors and the
// optional /metrics endpoint with a process stats monitor.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pumpduler_connections_active",
		Help: "Live client sessions.",
	})

	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pumpduler_connections_total",
		Help: "Client sessions accepted since start.",
	})

	channelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pumpduler_channels_active",
		Help: "Channels with at least one subscriber.",
	})

	timeEventsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pumpduler_time_events_pending",
		Help: "Time events waiting to fire.",
	})

	timeEventsFired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pumpduler_time_events_fired_total",
		Help: "Time events broadcast at their deadline.",
	})

	timeEventsPreempted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pumpduler_time_events_preempted_total",
		Help: "Armed timers cancelled by an earlier-deadline arrival.",
	})

	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpduler_actions_total",
		Help: "Requests dispatched, by action verb.",
	}, []string{"action"})

	framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpduler_frames_dropped_total",
		Help: "Inbound frames dropped, by reason.",
	}, []string{"reason"})

	broadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pumpduler_broadcasts_total",
		Help: "Broadcasts fanned out, by message type.",
	}, []string{"type"})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pumpduler_bytes_sent_total",
		Help: "Bytes written to client sockets.",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pumpduler_bytes_received_total",
		Help: "Bytes read from client sockets.",
	})

	cpuPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pumpduler_process_cpu_percent",
		Help: "Process CPU usage percent.",
	})

	memoryRSS = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pumpduler_process_memory_rss_bytes",
		Help: "Process resident set size.",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsActive,
		connectionsTotal,
		channelsActive,
		timeEventsPending,
		timeEventsFired,
		timeEventsPreempted,
		actionsTotal,
		framesDropped,
		broadcastsTotal,
		bytesSent,
		bytesReceived,
		cpuPercent,
		memoryRSS,
	)
}

func SetConnections(n int)        { connectionsActive.Set(float64(n)) }
func IncConnectionsTotal()        { connectionsTotal.Inc() }
func SetChannels(n int)           { channelsActive.Set(float64(n)) }
func SetPendingTimeEvents(n int)  { timeEventsPending.Set(float64(n)) }
func IncTimeEventsFired()         { timeEventsFired.Inc() }
func IncTimeEventsPreempted()     { timeEventsPreempted.Inc() }
func IncAction(action string)     { actionsTotal.WithLabelValues(action).Inc() }
func IncFramesDropped(why string) { framesDropped.WithLabelValues(why).Inc() }
func IncBroadcast(msgType string) { broadcastsTotal.WithLabelValues(msgType).Inc() }
func AddBytesSent(n int)          { bytesSent.Add(float64(n)) }
func AddBytesReceived(n int)      { bytesReceived.Add(float64(n)) }

// Server is the /metrics endpoint plus a gopsutil sampling loop.
type Server struct {
	srv  *http.Server
	stop context.CancelFunc
	done chan struct{}
	addr net.Addr
	log  zerolog.Logger
}

// Serve binds addr, serves /metrics and samples process CPU/RSS every
// interval.
func Serve(addr string, interval time.Duration, log zerolog.Logger) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind metrics %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s := &Server{
		srv:  &http.Server{Handler: mux},
		done: make(chan struct{}),
		addr: l.Addr(),
		log:  log.With().Str("component", "metrics").Logger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel

	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	go s.monitor(ctx, interval)

	s.log.Info().Str("addr", l.Addr().String()).Msg("Metrics listening")
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.addr }

func (s *Server) monitor(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.log.Warn().Err(err).Msg("Process stats unavailable")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pct, err := proc.CPUPercent(); err == nil {
				cpuPercent.Set(pct)
			}
			if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
				memoryRSS.Set(float64(mi.RSS))
			}
		}
	}
}

// Shutdown stops the monitor and the endpoint.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	<-s.done
	return s.srv.Shutdown(ctx)
}
