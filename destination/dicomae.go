package destination

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/internal/dimse"
)

// dicomAEAdapter sends studies to a peer DICOM AE via C-STORE, and probes
// it via C-ECHO.
type dicomAEAdapter struct {
	cfg    dicom.DicomAEConfig
	name   string
	pool   *connPool
	logger core.Logger
}

func newDicomAEAdapter(dest dicom.Destination) (*dicomAEAdapter, error) {
	if dest.DicomAE == nil {
		return nil, fmt.Errorf("destination: %s missing dicom_ae config", dest.Name)
	}
	a := &dicomAEAdapter{cfg: *dest.DicomAE, name: dest.Name, logger: &core.NoOpLogger{}}
	a.pool = newConnPool(1, func() (interface{}, error) {
		return a.dial(context.Background())
	}, func(v interface{}) error {
		if assoc, ok := v.(*dimse.Association); ok {
			return assoc.Close()
		}
		return nil
	})
	return a, nil
}

func (a *dicomAEAdapter) dial(ctx context.Context) (*dimse.Association, error) {
	addr := net.JoinHostPort(a.cfg.Host, fmt.Sprintf("%d", a.cfg.Port))
	timeout := a.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	params := dimse.AssociateParams{
		CallingAE: a.cfg.CallingAE,
		CalledAE:  a.cfg.PeerAE,
		PresentationContexts: []dimse.PresentationContext{
			{AbstractSyntax: dimse.VerificationSOPClass},
		},
	}

	if !a.cfg.TLS {
		return dimse.Dial(ctx, addr, params, timeout)
	}

	d := net.Dialer{Timeout: timeout}
	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("destination: tls dial %s: %w", addr, err)
	}
	tlsConn := tls.Client(rawConn, &tls.Config{ServerName: a.cfg.Host})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("destination: tls handshake %s: %w", addr, err)
	}
	return dimse.Accept(tlsConn, a.cfg.CallingAE, []string{dimse.VerificationSOPClass})
}

func (a *dicomAEAdapter) Echo(ctx context.Context) (bool, error) {
	conn, release, err := a.pool.acquire(ctx)
	if err != nil {
		return false, a.classify(err)
	}
	defer release()

	assoc := conn.(*dimse.Association)
	if err := assoc.Echo(ctx); err != nil {
		return false, a.classify(err)
	}
	return true, nil
}

// Send associates with the peer, C-STOREs each instance, and reports
// success if all instances were stored (partial if at least one was).
func (a *dicomAEAdapter) Send(ctx context.Context, files []dicom.Instance, rd dicom.RouteDestination) (Result, error) {
	start := time.Now()
	conn, release, err := a.pool.acquire(ctx)
	if err != nil {
		return Result{}, a.classify(err)
	}
	defer release()

	assoc := conn.(*dimse.Association)

	stored := 0
	var lastErr error
	outOfResources := false
	for _, f := range files {
		select {
		case <-ctx.Done():
			return Result{Success: false, FilesTransferred: stored, Message: "canceled", Duration: time.Since(start)}, ctx.Err()
		default:
		}

		data, err := os.ReadFile(f.FilePath)
		if err != nil {
			lastErr, outOfResources = err, false
			continue
		}
		meta := dimse.InstanceMeta{
			StudyInstanceUID:  f.Tags["0020,000D"],
			SeriesInstanceUID: f.SeriesUID,
			SOPInstanceUID:    f.SOPInstanceUID,
			SOPClassUID:       f.SOPClassUID,
		}
		res := assoc.Store(ctx, meta, data)
		if res.Err != nil {
			lastErr, outOfResources = res.Err, false
			continue
		}
		if res.Status == dimse.StatusSuccess {
			stored++
		} else {
			lastErr = fmt.Errorf("c-store status 0x%04x", res.Status)
			outOfResources = res.Status&0xF000 == 0xC000
		}
	}

	duration := time.Since(start)
	switch {
	case stored == len(files):
		return Result{Success: true, FilesTransferred: stored, Message: "all instances stored", Duration: duration}, nil
	case stored > 0:
		return Result{Success: true, FilesTransferred: stored, Message: "partial: some instances stored", Duration: duration}, nil
	default:
		if outOfResources {
			return Result{Success: false, FilesTransferred: 0, Message: "no instances stored", Duration: duration}, dicom.Classify("destination.dicomAE", dicom.ClassTransientTransport, lastErr)
		}
		return Result{Success: false, FilesTransferred: 0, Message: "no instances stored", Duration: duration}, a.classify(lastErr)
	}
}

func (a *dicomAEAdapter) Close() error {
	return nil
}

// classify implements the §4.10 DICOM-AE classification: association
// refused/timeout/0xC-status is transient, 0xA-status-with-abort is
// permanent.
func (a *dicomAEAdapter) classify(err error) error {
	if err == nil {
		return nil
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return dicom.Classify("destination.dicomAE", dicom.ClassTransientTransport, err)
	}
	// A network-level dial/association failure (refused, timeout) and an
	// 0xC (out-of-resources) status are both transient; anything else
	// from this adapter's boundary is treated as permanent.
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok {
		return dicom.Classify("destination.dicomAE", dicom.ClassTransientTransport, err)
	}
	return dicom.Classify("destination.dicomAE", dicom.ClassPermanentTransport, err)
}

func asNetError(err error, target *net.Error) bool {
	return errors.As(err, target)
}
