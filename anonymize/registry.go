package anonymize

import (
	"sync"
	"time"

	"github.com/dicomflow/gateway/dicom"
)

// ScriptRegistry provides CRUD over anonymization scripts. Built-in
// scripts are compiled in and read-only; custom scripts are mutable.
type ScriptRegistry struct {
	mu      sync.RWMutex
	scripts map[string]dicom.Script
}

func NewScriptRegistry() *ScriptRegistry {
	r := &ScriptRegistry{scripts: make(map[string]dicom.Script)}
	for _, s := range BuiltinScripts {
		r.scripts[s.Name] = s
	}
	return r
}

func (r *ScriptRegistry) Get(name string) (dicom.Script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[name]
	return s, ok
}

func (r *ScriptRegistry) List() []dicom.Script {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]dicom.Script, 0, len(r.scripts))
	for _, s := range r.scripts {
		out = append(out, s)
	}
	return out
}

// Put creates or replaces a custom script. Built-in scripts cannot be
// overwritten.
func (r *ScriptRegistry) Put(s dicom.Script) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.scripts[s.Name]; ok && existing.BuiltIn {
		return dicom.Classify("anonymize.registry", dicom.ClassConfiguration, errBuiltinImmutable(s.Name))
	}
	s.ModifiedAt = time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.ModifiedAt
	}
	r.scripts[s.Name] = s
	return nil
}

func (r *ScriptRegistry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.scripts[name]; ok && existing.BuiltIn {
		return dicom.Classify("anonymize.registry", dicom.ClassConfiguration, errBuiltinImmutable(name))
	}
	delete(r.scripts, name)
	return nil
}

type errBuiltinImmutable string

func (e errBuiltinImmutable) Error() string {
	return "anonymize: built-in script " + string(e) + " cannot be modified"
}

// BuiltinScripts are compiled into the binary: "basic" strips direct
// identifiers, "hipaa_standard" additionally shifts dates and hashes
// UIDs per the HIPAA Safe Harbor tag set (§4.5).
var BuiltinScripts = []dicom.Script{
	{
		Name:        "basic",
		Description: "Removes direct patient identifiers only",
		BuiltIn:     true,
		Ops: []dicom.TagOp{
			{Tag: "0010,0010", Op: dicom.OpRemove}, // PatientName
			{Tag: "0010,0020", Op: dicom.OpHash},   // PatientID
			{Tag: "0010,1040", Op: dicom.OpRemove}, // PatientAddress
		},
	},
	{
		Name:        "hipaa_standard",
		Description: "HIPAA Safe Harbor de-identification with date shifting and UID remapping",
		BuiltIn:     true,
		Ops: []dicom.TagOp{
			{Tag: "0010,0010", Op: dicom.OpRemove},      // PatientName
			{Tag: "0010,0020", Op: dicom.OpHash},        // PatientID
			{Tag: "0010,0030", Op: dicom.OpShiftDate},   // PatientBirthDate
			{Tag: "0010,1040", Op: dicom.OpRemove},      // PatientAddress
			{Tag: "0010,2154", Op: dicom.OpRemove},      // PatientTelephoneNumbers
			{Tag: "0008,0020", Op: dicom.OpShiftDate},   // StudyDate
			{Tag: "0008,0021", Op: dicom.OpShiftDate},   // SeriesDate
			{Tag: "0008,0090", Op: dicom.OpRemove},      // ReferringPhysicianName
			{Tag: "0020,000D", Op: dicom.OpGenerateUID}, // StudyInstanceUID
			{Tag: "0020,000E", Op: dicom.OpGenerateUID}, // SeriesInstanceUID
			{Tag: "0008,0018", Op: dicom.OpGenerateUID}, // SOPInstanceUID
		},
	},
}
