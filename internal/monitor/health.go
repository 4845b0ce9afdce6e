package monitor

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/gridcapture/internal/capture"
	"github.com/banshee-data/gridcapture/internal/monitoring"
)

// CaptureService is the health service name that tracks the capture run.
// The empty service name reports the process itself.
const CaptureService = "gridcapture.Capture"

// HealthServer serves grpc.health.v1. CaptureService is SERVING while a run
// is active and NOT_SERVING before it starts and once it has finished.
type HealthServer struct {
	addr   string
	health *health.Server
	server *grpc.Server
	log    *logrus.Entry

	mu       sync.Mutex
	listener net.Listener
	state    string
	wg       sync.WaitGroup
}

// NewHealthServer registers the health service on a new gRPC server.
func NewHealthServer(addr string) *HealthServer {
	h := &HealthServer{
		addr:   addr,
		health: health.NewServer(),
		server: grpc.NewServer(),
		log:    monitoring.Component("monitor").WithField("listen", addr),
	}
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(CaptureService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(h.server, h.health)
	return h
}

// SetState maps an engine state onto the capture service status.
func (h *HealthServer) SetState(s capture.State) {
	status := healthpb.HealthCheckResponse_SERVING
	if s == capture.StateFinished {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.mu.Lock()
	changed := h.state != s.String()
	h.state = s.String()
	h.mu.Unlock()
	if changed {
		h.log.WithField("state", s).Debugf("capture health %s", status)
	}
	h.health.SetServingStatus(CaptureService, status)
}

// Start listens on the configured address and serves in the background.
func (h *HealthServer) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return h.Serve(lis)
}

// Serve serves on lis in the background.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return errors.New("health server already running")
	}
	h.listener = lis
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.log.Infof("gRPC health server listening on %s", lis.Addr())
		if err := h.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			h.log.WithError(err).Warn("gRPC health server error")
		}
	}()
	return nil
}

// Stop reports NOT_SERVING for everything and stops the server.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
	h.wg.Wait()
	h.log.Info("gRPC health server stopped")
}
