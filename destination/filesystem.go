package destination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/internal/naming"
)

// filesystemAdapter copies instances into a directory tree built from the
// configured naming template, e.g. "{project}/{subject}/{session}/{sop_instance_uid}.dcm".
type filesystemAdapter struct {
	cfg    dicom.FilesystemConfig
	name   string
	logger core.Logger
}

func newFilesystemAdapter(dest dicom.Destination) (*filesystemAdapter, error) {
	if dest.Filesystem == nil {
		return nil, fmt.Errorf("destination: %s missing filesystem config", dest.Name)
	}
	return &filesystemAdapter{cfg: *dest.Filesystem, name: dest.Name, logger: &core.NoOpLogger{}}, nil
}

// Echo probes the base path for writability by creating and removing a
// sentinel file; this is the filesystem analogue of a C-ECHO or HTTP GET.
func (a *filesystemAdapter) Echo(ctx context.Context) (bool, error) {
	probe := filepath.Join(a.cfg.BasePath, ".probe")
	f, err := os.Create(probe)
	if err != nil {
		return false, a.classify(err)
	}
	f.Close()
	os.Remove(probe)
	return true, nil
}

// Send copies each instance to BasePath/<resolved naming template>,
// creating parent directories as needed.
func (a *filesystemAdapter) Send(ctx context.Context, files []dicom.Instance, rd dicom.RouteDestination) (Result, error) {
	start := time.Now()
	copied := 0
	var lastErr error

	for _, inst := range files {
		select {
		case <-ctx.Done():
			return Result{Success: copied > 0, FilesTransferred: copied, Message: "canceled", Duration: time.Since(start)}, ctx.Err()
		default:
		}

		dest := a.resolvePath(inst, rd)
		if a.cfg.CreateSubdirs {
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				lastErr = err
				continue
			}
		}
		if err := copyFile(inst.FilePath, dest); err != nil {
			lastErr = err
			continue
		}
		copied++
	}

	duration := time.Since(start)
	switch {
	case copied == len(files):
		return Result{Success: true, FilesTransferred: copied, Message: "all instances copied", Duration: duration}, nil
	case copied > 0:
		return Result{Success: true, FilesTransferred: copied, Message: "partial: some instances copied", Duration: duration}, nil
	default:
		return Result{Success: false, Duration: duration}, a.classify(lastErr)
	}
}

func (a *filesystemAdapter) resolvePath(inst dicom.Instance, rd dicom.RouteDestination) string {
	pattern := a.cfg.NamingPattern
	if pattern == "" {
		pattern = "{sop_instance_uid}.dcm"
	}
	values := map[string]string{
		"sop_instance_uid": inst.SOPInstanceUID,
		"series_uid":       inst.SeriesUID,
		"project":          rd.Project,
		"subject":          rd.Subject,
		"session":          rd.Session,
		"destination":      rd.DestinationName,
	}
	return filepath.Join(a.cfg.BasePath, naming.Resolve(pattern, values))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (a *filesystemAdapter) Close() error {
	return nil
}

// classify implements the §4.10 filesystem classification: disk-full and
// not-writable are transient (the condition may clear), everything else
// at this boundary is permanent.
func (a *filesystemAdapter) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, os.ErrPermission) {
		return dicom.Classify("destination.filesystem", dicom.ClassTransientTransport, err)
	}
	return dicom.Classify("destination.filesystem", dicom.ClassPermanentTransport, err)
}
