// Package archive implements §4.11: on terminal completion a study's
// original and anonymized files are copied into a date-partitioned
// archive tree alongside a metadata sidecar recording everything the
// pipeline did to it, and a daily retention sweep purges archives and
// soft-deleted studies past their configured age.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/fsstate"
	"github.com/dicomflow/gateway/receiver"
)

// Store commits terminal studies into the archive tree. It depends only
// on dicom.TransferQuery (not scheduler.TransferStore directly) so it
// can be wired against any transfer record source, including a fake in
// tests.
type Store struct {
	layout    *fsstate.Layout
	transfers dicom.TransferQuery
	logger    core.Logger
}

// NewStore constructs a Store.
func NewStore(layout *fsstate.Layout, transfers dicom.TransferQuery, logger core.Logger) *Store {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway/archive")
	}
	return &Store{layout: layout, transfers: transfers, logger: logger}
}

// Commit copies a study's files into archive/<date>/study_<uid>/ and
// writes the ArchivedStudy metadata sidecar. It is the function
// scheduler.WorkerConfig.ArchiveOnDone should be wired to once a study
// reaches a terminal TransferRecordStatus (SUCCESS, PARTIAL-then-settled,
// or FAILED — §4.11's audit trail covers all three, not just successes).
func (s *Store) Commit(ctx context.Context, ae, studyUID string) error {
	rec, err := s.transfers.Get(ctx, ae, studyUID)
	if err != nil {
		return fmt.Errorf("archive: load transfer record %s/%s: %w", ae, studyUID, err)
	}

	state := fsstate.Completed
	if rec.Status == dicom.TransferFailed {
		state = fsstate.Failed
	}
	studyDir := s.layout.StudyDir(ae, state, studyUID)

	manifest, err := receiver.ReadManifest(studyDir)
	if err != nil {
		return fmt.Errorf("archive: read manifest for %s/%s: %w", ae, studyUID, err)
	}

	day := time.Now()
	archiveDir := s.layout.ArchiveDir(ae, day, studyUID)
	originalDir := filepath.Join(archiveDir, "original")
	anonymizedDir := filepath.Join(archiveDir, "anonymized")

	originalPath, err := copyOriginals(studyDir, originalDir, manifest.Instances)
	if err != nil {
		return fmt.Errorf("archive: copy originals for %s/%s: %w", ae, studyUID, err)
	}

	anonymizedPath, scriptsUsed, err := copyAnonymized(studyDir, anonymizedDir)
	if err != nil {
		return fmt.Errorf("archive: copy anonymized for %s/%s: %w", ae, studyUID, err)
	}

	destStatus := make(map[string]dicom.DestinationResultStatus, len(rec.Results))
	for _, r := range rec.Results {
		destStatus[r.DestinationName] = r.Status
	}

	reviewDecision, submittedForReview := reviewDecisionFor(studyDir)

	record := dicom.ArchivedStudy{
		StudyInstanceUID:   studyUID,
		OriginalPath:       originalPath,
		AnonymizedPath:     anonymizedPath,
		DestinationStatus:  destStatus,
		SubmittedForReview: submittedForReview,
		ScriptsUsed:        scriptsUsed,
		ReviewDecision:     reviewDecision,
		ArchivedAt:         day,
	}

	if err := writeArchiveMetadata(archiveDir, record); err != nil {
		return fmt.Errorf("archive: write metadata for %s/%s: %w", ae, studyUID, err)
	}

	s.logger.Info("study archived", map[string]interface{}{
		"ae": ae, "study_uid": studyUID, "archive_dir": archiveDir, "status": string(rec.Status),
	})
	return nil
}

// copyOriginals copies every instance manifest.Instances names into
// originalDir, returning originalDir if anything was copied.
func copyOriginals(studyDir, originalDir string, instances []dicom.Instance) (string, error) {
	if len(instances) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(originalDir, 0o755); err != nil {
		return "", err
	}
	for _, inst := range instances {
		src := filepath.Join(studyDir, filepath.Base(inst.FilePath))
		dst := filepath.Join(originalDir, inst.SOPInstanceUID+".dcm")
		if err := copyFile(src, dst); err != nil {
			return "", err
		}
	}
	return originalDir, nil
}

// copyAnonymized mirrors every anonymized/<script>/ subdirectory
// anonymize.Runner wrote under studyDir into anonymizedDir, preserving
// the per-script layout so the archive records which script produced
// which copy.
func copyAnonymized(studyDir, anonymizedDir string) (string, []string, error) {
	srcRoot := filepath.Join(studyDir, "anonymized")
	entries, err := os.ReadDir(srcRoot)
	if os.IsNotExist(err) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	var scripts []string
	any := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		script := e.Name()
		scripts = append(scripts, script)

		scriptSrc := filepath.Join(srcRoot, script)
		scriptDst := filepath.Join(anonymizedDir, script)
		files, err := os.ReadDir(scriptSrc)
		if err != nil {
			return "", nil, err
		}
		if len(files) == 0 {
			continue
		}
		if err := os.MkdirAll(scriptDst, 0o755); err != nil {
			return "", nil, err
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".dcm") {
				continue
			}
			if err := copyFile(filepath.Join(scriptSrc, f.Name()), filepath.Join(scriptDst, f.Name())); err != nil {
				return "", nil, err
			}
			any = true
		}
	}
	if !any {
		return "", scripts, nil
	}
	return anonymizedDir, scripts, nil
}

// reviewDecisionFor inspects whether a review sidecar sits alongside the
// study (carried along by fsstate's TransitionFromReview, which renames
// the whole review directory, sidecar included, on approval).
// Absence means the study never went through review.
func reviewDecisionFor(studyDir string) (decision string, submitted bool) {
	data, err := os.ReadFile(filepath.Join(studyDir, "review_metadata.json"))
	if err != nil {
		return "", false
	}
	var meta dicom.ReviewMetadata
	if json.Unmarshal(data, &meta) != nil {
		return "", false
	}
	return strings.ToLower(string(meta.Decision)), true
}

func writeArchiveMetadata(archiveDir string, record dicom.ArchivedStudy) error {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(archiveDir, "archive_metadata.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// copyFile duplicates the destination/filesystem.go adapter's
// write-to-temp-then-rename copy, kept local rather than exported from
// destination since archive has no other reason to import it.
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
