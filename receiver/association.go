package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/fsstate"
	"github.com/dicomflow/gateway/internal/dimse"
	"github.com/dicomflow/gateway/internal/rules"
)

// manifestFileName holds the study-level manifest written alongside an
// incoming study's instance files, since this gateway has no DICOM
// dataset codec to re-derive Study/Series/Instance metadata by reading
// the files back (the same limitation documented for anonymize.Runner).
// The Scheduler reads this sidecar to reconstruct a dicom.Study without
// re-parsing instance bytes.
const manifestFileName = ".instances.json"

// StudyManifest is the on-disk shape of manifestFileName, and the
// Scheduler's only way to reconstruct a dicom.Study's instance list and
// source AE once a study's directory reaches processing/.
type StudyManifest struct {
	SourceAE   string           `json:"source_ae"`
	ReceivedAt time.Time        `json:"received_at"`
	Instances  []dicom.Instance `json:"instances"`
}

// ReadManifest loads the manifest sidecar from a study directory.
func ReadManifest(studyDir string) (StudyManifest, error) {
	data, err := os.ReadFile(filepath.Join(studyDir, manifestFileName))
	if err != nil {
		return StudyManifest{}, fmt.Errorf("receiver: read manifest: %w", err)
	}
	var manifest StudyManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return StudyManifest{}, fmt.Errorf("receiver: decode manifest: %w", err)
	}
	return manifest, nil
}

// handleAssociation accepts one negotiated association on conn, then
// loops reading C-STORE payloads off it until the peer releases or ctx
// expires.
func (l *Listener) handleAssociation(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	timeout := time.Duration(l.route.StudyTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	assoc, err := dimse.Accept(conn, l.route.AETitle, []string{dimse.VerificationSOPClass})
	if err != nil {
		l.logger.Warn("association rejected", map[string]interface{}{"ae": l.route.AETitle, "error": err.Error()})
		return
	}
	defer assoc.Close()

	sourceAE := conn.RemoteAddr().String()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		incoming, err := assoc.Receive(ctx)
		if err != nil {
			return // association closed or errored; nothing more to do
		}

		if err := l.fileInstance(incoming, sourceAE); err != nil {
			l.logger.Error("failed to file incoming instance", map[string]interface{}{
				"ae":    l.route.AETitle,
				"error": err.Error(),
			})
			continue
		}
		l.watchdog.touch(incoming.Meta.StudyInstanceUID)
	}
}

// fileInstance writes an incoming instance's bytes into incoming/<study_uid>/,
// applying the route's filters before accepting it, and records the
// instance in the study's manifest sidecar.
func (l *Listener) fileInstance(incoming dimse.IncomingData, sourceAE string) error {
	instance := dicom.Instance{
		SOPInstanceUID: incoming.Meta.SOPInstanceUID,
		SOPClassUID:    incoming.Meta.SOPClassUID,
		SeriesUID:      incoming.Meta.SeriesInstanceUID,
		Tags:           map[string]string{"0020,000D": incoming.Meta.StudyInstanceUID},
	}

	accept, err := rules.EvaluateFilters(l.route.Filters, instance)
	if err != nil {
		return fmt.Errorf("receiver: evaluate filters: %w", err)
	}
	if !accept {
		l.logger.Debug("instance rejected by filter", map[string]interface{}{
			"ae":               l.route.AETitle,
			"sop_instance_uid": instance.SOPInstanceUID,
		})
		return nil
	}

	studyDir := l.layout.StudyDir(l.route.AETitle, fsstate.Incoming, incoming.Meta.StudyInstanceUID)
	if err := os.MkdirAll(studyDir, 0o755); err != nil {
		return fmt.Errorf("receiver: create study dir: %w", err)
	}

	path := filepath.Join(studyDir, incoming.Meta.SOPInstanceUID+".dcm")
	instance.FilePath = path
	if err := os.WriteFile(path, incoming.Data, 0o644); err != nil {
		return err
	}

	return l.appendManifest(studyDir, sourceAE, instance)
}

// appendManifest records instance in the study's manifest sidecar,
// creating it on first write. Serialized by manifestMu since concurrent
// C-STOREs for the same study may arrive over distinct associations.
func (l *Listener) appendManifest(studyDir, sourceAE string, instance dicom.Instance) error {
	l.manifestMu.Lock()
	defer l.manifestMu.Unlock()

	path := filepath.Join(studyDir, manifestFileName)
	var manifest StudyManifest
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &manifest); err != nil {
			return fmt.Errorf("receiver: decode manifest: %w", err)
		}
	} else {
		manifest = StudyManifest{SourceAE: sourceAE, ReceivedAt: time.Now()}
	}
	manifest.Instances = append(manifest.Instances, instance)

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("receiver: encode manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("receiver: write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}
