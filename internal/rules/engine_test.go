package rules

import (
	"testing"

	"github.com/dicomflow/gateway/dicom"
)

func instanceWithTags(tags map[string]string) dicom.Instance {
	return dicom.Instance{Tags: tags}
}

func TestEvaluateOperators(t *testing.T) {
	tests := []struct {
		name     string
		rule     dicom.Rule
		instance dicom.Instance
		want     bool
	}{
		{
			name:     "equals matches",
			rule:     dicom.Rule{Tag: "0010,0010", Operator: dicom.OpEquals, Values: []string{"DOE^JOHN"}},
			instance: instanceWithTags(map[string]string{"0010,0010": "DOE^JOHN"}),
			want:     true,
		},
		{
			name:     "equals mismatches",
			rule:     dicom.Rule{Tag: "0010,0010", Operator: dicom.OpEquals, Values: []string{"DOE^JOHN"}},
			instance: instanceWithTags(map[string]string{"0010,0010": "SMITH^JANE"}),
			want:     false,
		},
		{
			name:     "not_equals with absent tag is true",
			rule:     dicom.Rule{Tag: "0008,0060", Operator: dicom.OpNotEquals, Values: []string{"CT"}},
			instance: instanceWithTags(map[string]string{}),
			want:     true,
		},
		{
			name:     "contains",
			rule:     dicom.Rule{Tag: "0008,0060", Operator: dicom.OpContains, Values: []string{"CT"}},
			instance: instanceWithTags(map[string]string{"0008,0060": "CTSCAN"}),
			want:     true,
		},
		{
			name:     "matches regex",
			rule:     dicom.Rule{Tag: "0010,0020", Operator: dicom.OpMatches, Values: []string{`^P\d+$`}},
			instance: instanceWithTags(map[string]string{"0010,0020": "P12345"}),
			want:     true,
		},
		{
			name:     "in set",
			rule:     dicom.Rule{Tag: "0008,0060", Operator: dicom.OpIn, Values: []string{"CT", "MR"}},
			instance: instanceWithTags(map[string]string{"0008,0060": "MR"}),
			want:     true,
		},
		{
			name:     "not_in set",
			rule:     dicom.Rule{Tag: "0008,0060", Operator: dicom.OpNotIn, Values: []string{"CT", "MR"}},
			instance: instanceWithTags(map[string]string{"0008,0060": "US"}),
			want:     true,
		},
		{
			name:     "exists true",
			rule:     dicom.Rule{Tag: "0010,0010", Operator: dicom.OpExists},
			instance: instanceWithTags(map[string]string{"0010,0010": ""}),
			want:     true,
		},
		{
			name:     "exists false",
			rule:     dicom.Rule{Tag: "0010,0010", Operator: dicom.OpExists},
			instance: instanceWithTags(map[string]string{}),
			want:     false,
		},
		{
			name:     "range inside",
			rule:     dicom.Rule{Tag: "0018,0050", Operator: dicom.OpRange, RangeLow: "1", RangeHigh: "5"},
			instance: instanceWithTags(map[string]string{"0018,0050": "3"}),
			want:     true,
		},
		{
			name:     "range outside",
			rule:     dicom.Rule{Tag: "0018,0050", Operator: dicom.OpRange, RangeLow: "1", RangeHigh: "5"},
			instance: instanceWithTags(map[string]string{"0018,0050": "9"}),
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.rule, tt.instance)
			if err != nil {
				t.Fatalf("Evaluate returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateFiltersRejectShortCircuits(t *testing.T) {
	ruleSet := []dicom.Rule{
		{Tag: "0008,0060", Operator: dicom.OpEquals, Values: []string{"SR"}, Action: dicom.ActionReject},
	}
	instance := instanceWithTags(map[string]string{"0008,0060": "SR"})

	accept, err := EvaluateFilters(ruleSet, instance)
	if err != nil {
		t.Fatalf("EvaluateFilters: %v", err)
	}
	if accept {
		t.Error("expected instance to be rejected")
	}
}

func TestEvaluateFiltersEmptyAcceptsEverything(t *testing.T) {
	accept, err := EvaluateFilters(nil, instanceWithTags(nil))
	if err != nil {
		t.Fatalf("EvaluateFilters: %v", err)
	}
	if !accept {
		t.Error("expected empty rule set to accept")
	}
}

func TestEvaluateRoutingAddsAndRemoves(t *testing.T) {
	ruleSet := []dicom.Rule{
		{Tag: "0008,0060", Operator: dicom.OpEquals, Values: []string{"CT"}, Action: dicom.ActionAddDestination, DestinationName: "ct-archive"},
		{Tag: "0010,0010", Operator: dicom.OpExists, Action: dicom.ActionRemoveDestination, DestinationName: "research-pacs"},
	}
	instance := instanceWithTags(map[string]string{"0008,0060": "CT", "0010,0010": "DOE^JOHN"})

	add, remove, err := EvaluateRouting(ruleSet, instance)
	if err != nil {
		t.Fatalf("EvaluateRouting: %v", err)
	}
	if len(add) != 1 || add[0] != "ct-archive" {
		t.Errorf("add = %v, want [ct-archive]", add)
	}
	if len(remove) != 1 || remove[0] != "research-pacs" {
		t.Errorf("remove = %v, want [research-pacs]", remove)
	}
}
