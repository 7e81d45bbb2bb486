package naming

import "testing"

func TestResolveSubstitutesKnownPlaceholders(t *testing.T) {
	got := Resolve("{PatientID}/{StudyDate}/study", map[string]string{
		"PatientID": "P12345",
		"StudyDate": "20260101",
	})
	want := "P12345/20260101/study"
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolveLeavesUnknownPlaceholdersVerbatim(t *testing.T) {
	got := Resolve("{PatientID}/{Unknown}", map[string]string{"PatientID": "P1"})
	want := "P1/{Unknown}"
	if got != want {
		t.Errorf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolveNoPlaceholders(t *testing.T) {
	got := Resolve("flat/path", nil)
	if got != "flat/path" {
		t.Errorf("Resolve() = %q, want unchanged string", got)
	}
}
