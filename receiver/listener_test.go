package receiver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
	"github.com/dicomflow/gateway/fsstate"
	"github.com/dicomflow/gateway/internal/dimse"
	"github.com/dicomflow/gateway/internal/ratelimit"
)

func newTestListener(t *testing.T, route dicom.Route) *Listener {
	t.Helper()
	dataRoot := t.TempDir()
	layout := fsstate.NewLayout(dataRoot, &core.NoOpLogger{})
	if err := layout.EnsureAE(route.AETitle); err != nil {
		t.Fatalf("ensure ae: %v", err)
	}
	return &Listener{
		route:    route,
		layout:   layout,
		logger:   &core.NoOpLogger{},
		limiter:  ratelimit.New(route.RateLimitPerMinute),
		watchdog: newQuiescenceWatchdog(route, &core.NoOpLogger{}, make(chan StudyCompleted, 4)),
	}
}

func TestFileInstanceWritesAcceptedInstance(t *testing.T) {
	route := dicom.Route{AETitle: "INGEST", RateLimitPerMinute: 60}
	l := newTestListener(t, route)

	incoming := dimse.IncomingData{
		Meta: dimse.InstanceMeta{
			StudyInstanceUID:  "1.2.3",
			SeriesInstanceUID: "1.2.3.4",
			SOPInstanceUID:    "1.2.3.4.5",
			SOPClassUID:       "1.2.840.10008.5.1.4.1.1.7",
		},
		Data: []byte("fake-dicom-bytes"),
	}

	if err := l.fileInstance(incoming, "192.0.2.1:11112"); err != nil {
		t.Fatalf("fileInstance: %v", err)
	}

	studyDir := l.layout.StudyDir("INGEST", fsstate.Incoming, "1.2.3")
	path := filepath.Join(studyDir, "1.2.3.4.5.dcm")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected filed instance at %s: %v", path, err)
	}
	if string(data) != "fake-dicom-bytes" {
		t.Fatalf("unexpected file contents: %q", data)
	}

	manifest, err := ReadManifest(studyDir)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if manifest.SourceAE != "192.0.2.1:11112" {
		t.Fatalf("unexpected source ae: %q", manifest.SourceAE)
	}
	if len(manifest.Instances) != 1 || manifest.Instances[0].SOPInstanceUID != "1.2.3.4.5" {
		t.Fatalf("unexpected manifest instances: %+v", manifest.Instances)
	}
}

func TestFileInstanceRejectedByFilterIsNotWritten(t *testing.T) {
	route := dicom.Route{
		AETitle:            "INGEST",
		RateLimitPerMinute: 60,
		Filters: []dicom.Rule{
			{Tag: "0008,0016", Operator: dicom.OpNotEquals, Values: []string{"1.2.840.10008.5.1.4.1.1.4"}, Action: dicom.ActionReject},
		},
	}
	l := newTestListener(t, route)

	incoming := dimse.IncomingData{
		Meta: dimse.InstanceMeta{
			StudyInstanceUID: "1.2.3",
			SOPInstanceUID:   "1.2.3.4.5",
			SOPClassUID:      "1.2.840.10008.5.1.4.1.1.7", // does not match the filter
		},
		Data: []byte("fake-dicom-bytes"),
	}

	if err := l.fileInstance(incoming, "192.0.2.1:11112"); err != nil {
		t.Fatalf("fileInstance: %v", err)
	}

	studyDir := l.layout.StudyDir("INGEST", fsstate.Incoming, "1.2.3")
	if _, err := os.Stat(studyDir); err == nil {
		entries, _ := os.ReadDir(studyDir)
		if len(entries) != 0 {
			t.Fatalf("expected no instance written for filtered-out instance, found %d entries", len(entries))
		}
	}
}

func TestRateLimiterRejectsBeyondConfiguredRate(t *testing.T) {
	route := dicom.Route{AETitle: "INGEST", RateLimitPerMinute: 2}
	l := newTestListener(t, route)

	if !l.limiter.Allow() {
		t.Fatal("expected first connection to be admitted")
	}
	if !l.limiter.Allow() {
		t.Fatal("expected second connection to be admitted")
	}
	if l.limiter.Allow() {
		t.Fatal("expected third connection within the window to be rejected")
	}
}
