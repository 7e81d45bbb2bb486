// Package destination implements the uniform send/echo adapter interface
// over the three transport kinds (§4.2): DICOM-AE, XNAT, and Filesystem.
package destination

import (
	"context"
	"time"

	"github.com/dicomflow/gateway/dicom"
)

// Result is the outcome of one Send call.
type Result struct {
	Success          bool
	FilesTransferred int
	Message          string
	Duration         time.Duration
}

// Adapter is the uniform capability set every destination kind
// implements.
type Adapter interface {
	// Echo performs a liveness probe specific to the transport
	// (C-ECHO, authenticated GET, writable-directory probe).
	Echo(ctx context.Context) (bool, error)

	// Send transfers files to the destination under the processing
	// options of rd. Errors returned are classified via dicom.Classify
	// at the adapter boundary (§7) so callers can branch on
	// dicom.IsTransient/IsPermanent without transport-specific knowledge.
	Send(ctx context.Context, files []dicom.Instance, rd dicom.RouteDestination) (Result, error)

	// Close releases any pooled resources (connections, clients).
	Close() error
}

// New constructs the Adapter implementation matching dest.Kind.
func New(dest dicom.Destination) (Adapter, error) {
	switch dest.Kind {
	case dicom.KindDicomAE:
		return newDicomAEAdapter(dest)
	case dicom.KindXNAT:
		return newXNATAdapter(dest)
	case dicom.KindFilesystem:
		return newFilesystemAdapter(dest)
	default:
		return nil, &unsupportedKindError{kind: dest.Kind}
	}
}

type unsupportedKindError struct {
	kind dicom.DestinationKind
}

func (e *unsupportedKindError) Error() string {
	return "destination: unsupported kind " + string(e.kind)
}
