// Package receiver runs one DICOM upper-layer listener per enabled Route,
// files incoming instances into the filesystem state machine, and applies
// the Route's filter rules before handing completed studies to the
// Scheduler, which applies the routing rules (spec.md §4.6).
package receiver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/fsstate"
	"github.com/dicomflow/gateway/internal/ratelimit"
)

// StudyCompleted is emitted by the quiescence watchdog once a study has
// received no new instance for the Route's StudyTimeoutSeconds (5
// minutes when that is zero or less); an association closing does not
// emit it. The Scheduler drains this channel to materialize a routing
// plan.
type StudyCompleted struct {
	AE       string
	StudyUID string
}

// Listener binds one Route's TCP port and accepts DICOM associations.
type Listener struct {
	route   dicom.Route
	layout  *fsstate.Layout
	logger  core.Logger
	limiter *ratelimit.Limiter

	tlsConfig *tls.Config

	completed chan<- StudyCompleted

	net.Listener
	studySem chan struct{}

	watchdog *quiescenceWatchdog

	manifestMu sync.Mutex

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewListener constructs a Listener for route, writing instances under
// layout and posting StudyCompleted events to completed.
func NewListener(route dicom.Route, layout *fsstate.Layout, logger core.Logger, completed chan<- StudyCompleted, tlsConfig *tls.Config) *Listener {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/receiver")
	}

	maxStudies := route.MaxConcurrentStudies
	if maxStudies <= 0 {
		maxStudies = 16
	}

	l := &Listener{
		route:     route,
		layout:    layout,
		logger:    logger,
		limiter:   ratelimit.New(route.RateLimitPerMinute),
		tlsConfig: tlsConfig,
		completed: completed,
		studySem:  make(chan struct{}, maxStudies),
	}
	l.watchdog = newQuiescenceWatchdog(route, logger, completed)
	return l
}

// Start binds the configured port and begins accepting associations. It
// blocks until the listener is closed or ctx is canceled.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.layout.EnsureAE(l.route.AETitle); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}

	addr := fmt.Sprintf(":%d", l.route.Port)
	var ln net.Listener
	var err error
	if l.tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, l.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("receiver: bind %s: %w", addr, err)
	}
	l.Listener = ln

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.watchdog.run(ctx)
	}()

	l.logger.Info("receiver listening", map[string]interface{}{
		"ae":   l.route.AETitle,
		"port": l.route.Port,
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("receiver: accept: %w", err)
			}
		}

		if !l.limiter.Allow() {
			l.logger.Warn("association rejected: rate limit exceeded", map[string]interface{}{
				"ae": l.route.AETitle,
			})
			conn.Close()
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleAssociation(ctx, conn)
		}()
	}
}

// Stop closes the listener and waits for in-flight associations to
// finish (or ctx to expire).
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	if l.Listener != nil {
		_ = l.Listener.Close()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
