// Package rules implements the filter/routing/validation rule operator
// set (§4.6): equals, not_equals, contains, matches, in, not_in, exists,
// range, evaluated against an Instance's tags. The dispatch table mirrors
// the teacher's routing-strategy lookup style: operators are registered
// in a map rather than a long if/else chain.
package rules

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/dicomflow/gateway/dicom"
)

// evalFunc evaluates one rule against a tag value (empty string, false if
// the tag is absent — evalFunc receives the presence flag so OpExists can
// distinguish "absent" from "present but empty").
type evalFunc func(rule dicom.Rule, value string, present bool) (bool, error)

var operators = map[dicom.RuleOperator]evalFunc{
	dicom.OpEquals:    evalEquals,
	dicom.OpNotEquals: evalNotEquals,
	dicom.OpContains:  evalContains,
	dicom.OpMatches:   evalMatches,
	dicom.OpIn:        evalIn,
	dicom.OpNotIn:     evalNotIn,
	dicom.OpExists:    evalExists,
	dicom.OpRange:     evalRange,
}

// Evaluate runs a single rule against an instance's tags.
func Evaluate(rule dicom.Rule, instance dicom.Instance) (bool, error) {
	fn, ok := operators[rule.Operator]
	if !ok {
		return false, fmt.Errorf("rules: unknown operator %q", rule.Operator)
	}
	value, present := instance.Tags[rule.Tag]
	return fn(rule, value, present)
}

func firstValue(rule dicom.Rule) string {
	if len(rule.Values) == 0 {
		return ""
	}
	return rule.Values[0]
}

func evalEquals(rule dicom.Rule, value string, present bool) (bool, error) {
	return present && value == firstValue(rule), nil
}

func evalNotEquals(rule dicom.Rule, value string, present bool) (bool, error) {
	return !present || value != firstValue(rule), nil
}

func evalContains(rule dicom.Rule, value string, present bool) (bool, error) {
	if !present {
		return false, nil
	}
	return len(value) > 0 && stringContains(value, firstValue(rule)), nil
}

func stringContains(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func evalMatches(rule dicom.Rule, value string, present bool) (bool, error) {
	if !present {
		return false, nil
	}
	re, err := regexp.Compile(firstValue(rule))
	if err != nil {
		return false, fmt.Errorf("rules: invalid regex %q: %w", firstValue(rule), err)
	}
	return re.MatchString(value), nil
}

func evalIn(rule dicom.Rule, value string, present bool) (bool, error) {
	if !present {
		return false, nil
	}
	for _, v := range rule.Values {
		if v == value {
			return true, nil
		}
	}
	return false, nil
}

func evalNotIn(rule dicom.Rule, value string, present bool) (bool, error) {
	ok, err := evalIn(rule, value, present)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func evalExists(_ dicom.Rule, _ string, present bool) (bool, error) {
	return present, nil
}

func evalRange(rule dicom.Rule, value string, present bool) (bool, error) {
	if !present {
		return false, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false, fmt.Errorf("rules: range operator requires numeric value, got %q: %w", value, err)
	}
	low, err := strconv.ParseFloat(rule.RangeLow, 64)
	if err != nil {
		return false, fmt.Errorf("rules: invalid range low %q: %w", rule.RangeLow, err)
	}
	high, err := strconv.ParseFloat(rule.RangeHigh, 64)
	if err != nil {
		return false, fmt.Errorf("rules: invalid range high %q: %w", rule.RangeHigh, err)
	}
	return v >= low && v <= high, nil
}

// EvaluateFilters runs an ordered list of filter rules against an
// instance. The instance is accepted unless a rule with Action ==
// ActionReject matches; an ActionAccept rule matching short-circuits to
// acceptance. An empty rule list accepts everything.
func EvaluateFilters(ruleSet []dicom.Rule, instance dicom.Instance) (accept bool, err error) {
	for _, r := range ruleSet {
		matched, evalErr := Evaluate(r, instance)
		if evalErr != nil {
			return false, evalErr
		}
		if !matched {
			continue
		}
		switch r.Action {
		case dicom.ActionReject:
			return false, nil
		case dicom.ActionAccept:
			return true, nil
		}
	}
	return true, nil
}

// EvaluateRouting runs an ordered list of routing rules against an
// instance and returns the set of destination names to add and remove
// for this instance's study, on top of the Route's static destination
// list.
func EvaluateRouting(ruleSet []dicom.Rule, instance dicom.Instance) (add, remove []string, err error) {
	for _, r := range ruleSet {
		matched, evalErr := Evaluate(r, instance)
		if evalErr != nil {
			return nil, nil, evalErr
		}
		if !matched {
			continue
		}
		switch r.Action {
		case dicom.ActionAddDestination:
			add = append(add, r.DestinationName)
		case dicom.ActionRemoveDestination:
			remove = append(remove, r.DestinationName)
		}
	}
	return add, remove, nil
}
