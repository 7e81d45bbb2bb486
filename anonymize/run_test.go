package anonymize

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dicomflow/gateway/dicom"
)

type fakeBroker struct{ days int }

func (f *fakeBroker) Lookup(ctx context.Context, inputID string, idType dicom.CrosswalkIDType) (string, error) {
	return "ANON" + inputID, nil
}

func (f *fakeBroker) DateShift(ctx context.Context, inputID string) (int, error) {
	return f.days, nil
}

func writeTempInstance(t *testing.T, dir, sopUID string) dicom.Instance {
	t.Helper()
	path := filepath.Join(dir, sopUID+"-src.dcm")
	if err := os.WriteFile(path, []byte("fake dicom bytes"), 0o644); err != nil {
		t.Fatalf("write temp instance: %v", err)
	}
	return dicom.Instance{
		SOPInstanceUID: sopUID,
		FilePath:       path,
		Tags: map[string]string{
			"0010,0010": "DOE^JOHN",
			"0010,0020": "PAT001",
			"0010,0030": "19800101",
		},
	}
}

func TestRunBasicScriptRemovesIdentifiers(t *testing.T) {
	dir := t.TempDir()
	inst := writeTempInstance(t, dir, "1.2.3")

	registry := NewScriptRegistry()
	basic, ok := registry.Get("basic")
	if !ok {
		t.Fatal("expected basic script to be registered")
	}

	runner := NewRunner(nil, nil)
	outDir, report, err := runner.Run(context.Background(), basic, "PAT001", []dicom.Instance{inst}, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outDir == "" {
		t.Fatal("expected non-empty output dir")
	}
	if report.Summary.InstancesProcessed != 1 {
		t.Fatalf("expected 1 instance processed, got %d", report.Summary.InstancesProcessed)
	}
	if report.Summary.TagsChanged == 0 {
		t.Fatal("expected at least one tag change")
	}

	outPath := filepath.Join(outDir, "1.2.3.dcm")
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("expected output file to exist: %v", err)
	}
}

func TestRunHipaaScriptShiftsDateDeterministically(t *testing.T) {
	dir := t.TempDir()
	inst := writeTempInstance(t, dir, "1.2.4")

	registry := NewScriptRegistry()
	hipaa, _ := registry.Get("hipaa_standard")
	broker := &fakeBroker{days: 5}

	runner := NewRunner(broker, nil)
	_, report, err := runner.Run(context.Background(), hipaa, "PAT001", []dicom.Instance{inst}, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	found := false
	for _, c := range report.Changes {
		if c.Tag == "0010,0030" {
			found = true
			if c.After != "19800106" {
				t.Fatalf("expected shifted date 19800106, got %s", c.After)
			}
		}
	}
	if !found {
		t.Fatal("expected a recorded change for the birth date tag")
	}
}

func TestRunShiftDateWithoutBrokerRecordsConformanceIssue(t *testing.T) {
	dir := t.TempDir()
	inst := writeTempInstance(t, dir, "1.2.5")

	registry := NewScriptRegistry()
	hipaa, _ := registry.Get("hipaa_standard")

	runner := NewRunner(nil, nil)
	_, report, err := runner.Run(context.Background(), hipaa, "PAT001", []dicom.Instance{inst}, filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Summary.ConformanceIssues == 0 {
		t.Fatal("expected a conformance issue when no broker is configured")
	}
}

func TestScriptRegistryBuiltinImmutable(t *testing.T) {
	registry := NewScriptRegistry()
	basic, _ := registry.Get("basic")

	if err := registry.Put(basic); err == nil {
		t.Fatal("expected error overwriting a built-in script")
	}
	if err := registry.Delete("basic"); err == nil {
		t.Fatal("expected error deleting a built-in script")
	}
}

func TestScriptRegistryCustomScriptCRUD(t *testing.T) {
	registry := NewScriptRegistry()
	custom := dicom.Script{Name: "site-custom", Ops: []dicom.TagOp{{Tag: "0010,0010", Op: dicom.OpRemove}}}

	if err := registry.Put(custom); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := registry.Get("site-custom")
	if !ok || got.Name != "site-custom" {
		t.Fatal("expected custom script to be retrievable")
	}
	if err := registry.Delete("site-custom"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := registry.Get("site-custom"); ok {
		t.Fatal("expected custom script to be gone after delete")
	}
}
