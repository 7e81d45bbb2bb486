package scheduler

import (
	"fmt"

	"github.com/dicomflow/gateway/core"
	"github.com/dicomflow/gateway/dicom"
)

// advance fires event against study's current state, mutating study.Status
// on success. Unlike a generic FSM library, this is a thin wrapper over
// dicom.ValidTransition's explicit switch-shaped transition table,
// matching the teacher's explicit CircuitState switch style rather than
// introducing a second state-machine abstraction.
//
// §5 requires that a single Study never has two transitions in flight at
// once; callers satisfy this by processing one study's pipeline to
// completion within a single Worker goroutine invocation rather than by
// any locking here.
func advance(study *dicom.Study, event dicom.Event, logger core.Logger) error {
	to, ok := dicom.ValidTransition(study.Status, event)
	if !ok {
		return fmt.Errorf("scheduler: %w: %s on event %s", dicom.ErrInvalidTransition, study.Status, event)
	}
	from := study.Status
	study.Status = to
	logger.Debug("study state transition", map[string]interface{}{
		"study_uid": study.StudyInstanceUID,
		"from":      string(from),
		"to":        string(to),
		"event":     string(event),
	})
	return nil
}
