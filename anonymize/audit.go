// Package anonymize applies an ordered Script of tag operations to a
// study's instances and produces an audit trail of what changed and what
// may still carry PHI (spec.md §4.5).
package anonymize

import "time"

// TagChange records one tag mutation applied to one instance.
type TagChange struct {
	SOPInstanceUID string
	Tag            string
	Op             string
	Before         string
	After          string
}

// ConformanceIssue flags a tag operation that could not be applied as
// configured (e.g. a tag required by the Storage SOP Class that the
// script tried to remove).
type ConformanceIssue struct {
	SOPInstanceUID string
	Tag            string
	Message        string
}

// PHIWarning flags residual PHI detected by the OCR pixel-text scan.
type PHIWarning struct {
	SOPInstanceUID string
	Tag            string // empty for a pixel-region warning
	Region         *PixelRegionHit
	Message        string
}

// PixelRegionHit is the OCR-detected bounding box that triggered a
// PHIWarning.
type PixelRegionHit struct {
	X, Y, W, H int
	Text       string
	Confidence float64
}

// TagSummary rolls per-instance results up to the study level.
type TagSummary struct {
	InstancesProcessed int
	TagsChanged        int
	ConformanceIssues  int
	PHIWarnings        int
}

// AuditReport is the full result of one Run call.
type AuditReport struct {
	ScriptName  string
	StartedAt   time.Time
	CompletedAt time.Time
	Changes     []TagChange
	Issues      []ConformanceIssue
	Warnings    []PHIWarning
	Summary     TagSummary
}
