package destination

import "context"

// connPool is a bounded acquire/release pool for adapter connections
// (TCP associations for DICOM-AE, HTTP client leases for XNAT). It is
// intentionally simpler than sync.Pool: sync.Pool may discard idle items
// under memory pressure, which would silently violate the configured
// pool-size bound; a plain buffered-channel semaphore does not.
type connPool struct {
	slots chan struct{}
	new   func() (interface{}, error)
	close func(interface{}) error
}

func newConnPool(size int, newFn func() (interface{}, error), closeFn func(interface{}) error) *connPool {
	if size <= 0 {
		size = 1
	}
	return &connPool{
		slots: make(chan struct{}, size),
		new:   newFn,
		close: closeFn,
	}
}

// acquire blocks until a pool slot is free (or ctx is canceled), then
// creates a fresh connection. Release must be called on every code path,
// including cancellation, to free the slot.
func (p *connPool) acquire(ctx context.Context) (interface{}, func(), error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, func() {}, ctx.Err()
	}

	conn, err := p.new()
	if err != nil {
		<-p.slots
		return nil, func() {}, err
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if conn != nil && p.close != nil {
			_ = p.close(conn)
		}
		<-p.slots
	}
	return conn, release, nil
}
