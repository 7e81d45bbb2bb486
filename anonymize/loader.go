package anonymize

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dicomflow/gateway/dicom"
)

// LoadScriptFile reads a custom anonymization script definition from a JSON
// file on disk (the format a config.ScriptConfig.Path points at), for
// registration into a ScriptRegistry alongside the compiled-in
// BuiltinScripts. A script loaded this way always has BuiltIn left false,
// regardless of what the file contains, so it remains mutable/deletable
// through the registry even if an operator mistakenly sets it.
func LoadScriptFile(path string) (dicom.Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return dicom.Script{}, fmt.Errorf("anonymize: read script %s: %w", path, err)
	}
	var s dicom.Script
	if err := json.Unmarshal(data, &s); err != nil {
		return dicom.Script{}, fmt.Errorf("anonymize: parse script %s: %w", path, err)
	}
	if s.Name == "" {
		return dicom.Script{}, fmt.Errorf("anonymize: script %s missing a name", path)
	}
	s.BuiltIn = false
	return s, nil
}
