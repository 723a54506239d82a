// Package health serves the gRPC health protocol, reporting SERVING while
// the database answers pings.
package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name reported for the API. The empty name reports overall
// process health.
const Service = "anonymous_messages.v1.Api"

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker periodically pings a dependency and publishes the result.
type Checker struct {
	srv      *health.Server
	pinger   Pinger
	interval time.Duration
	log      *logrus.Entry
}

// NewChecker returns a Checker. Status is NOT_SERVING until the first ping.
func NewChecker(pinger Pinger, interval time.Duration, log *logrus.Entry) *Checker {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Checker{srv: srv, pinger: pinger, interval: interval, log: log}
}

// Register adds the health service to s.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.srv)
}

// Check pings once, updates the served status and returns the ping error.
func (c *Checker) Check(ctx context.Context) error {
	status := healthpb.HealthCheckResponse_SERVING
	err := c.pinger.Ping(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		c.log.WithError(err).Warn("health check failed")
	}
	c.srv.SetServingStatus("", status)
	c.srv.SetServingStatus(Service, status)
	return err
}

// Run checks immediately and then every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	_ = c.Check(ctx)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Check(ctx)
		}
	}
}

// Shutdown reports NOT_SERVING for good; later updates are ignored.
func (c *Checker) Shutdown() {
	c.srv.Shutdown()
}
