package anonymize

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadScriptFileParsesOpsAndClearsBuiltIn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.json")
	body := `{
		"Name": "custom_redact",
		"Description": "site-specific redaction",
		"BuiltIn": true,
		"Ops": [{"Tag": "0010,0010", "Op": "remove"}]
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write script file: %v", err)
	}

	script, err := LoadScriptFile(path)
	if err != nil {
		t.Fatalf("LoadScriptFile: %v", err)
	}
	if script.Name != "custom_redact" {
		t.Fatalf("expected name custom_redact, got %q", script.Name)
	}
	if script.BuiltIn {
		t.Fatal("expected a file-loaded script to never be marked BuiltIn")
	}
	if len(script.Ops) != 1 || script.Ops[0].Tag != "0010,0010" {
		t.Fatalf("expected one parsed op, got %+v", script.Ops)
	}
}

func TestLoadScriptFileRejectsMissingName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "noname.json")
	if err := os.WriteFile(path, []byte(`{"Ops": []}`), 0o644); err != nil {
		t.Fatalf("write script file: %v", err)
	}
	if _, err := LoadScriptFile(path); err == nil {
		t.Fatal("expected error for script file with no name")
	}
}

func TestLoadScriptFileRejectsMissingFile(t *testing.T) {
	if _, err := LoadScriptFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing script file")
	}
}
