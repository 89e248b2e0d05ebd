package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"tta-server/shared/models"
)

// OrchestrationLoopError - ход превысил лимит вызовов ролей.
type OrchestrationLoopError struct {
	SessionID string
	Steps     int
	Trace     []models.RoleID
}

func (e *OrchestrationLoopError) Error() string {
	trace := make([]string, len(e.Trace))
	for i, r := range e.Trace {
		trace[i] = string(r)
	}
	return fmt.Sprintf("session %s: %d role steps without a response (%s)", e.SessionID, e.Steps, strings.Join(trace, " -> "))
}

func (e *OrchestrationLoopError) Unwrap() error { return models.ErrOrchestrationLoop }

// PersistenceError - снимок не удалось записать; ходы остаются в очереди несинхронизированных.
type PersistenceError struct {
	SessionID string
	Turns     []int64
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint session %s turns %v: %v", e.SessionID, e.Turns, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{models.ErrPersistence, e.Err} }

// Фразы, которые видит игрок при сбое хода. Детали ошибки наружу не уходят.
const (
	FallbackLoop     = "The story loses its thread for a moment. Let's try that again."
	FallbackFailure  = "Something went quiet in the world. Please try that again."
	FallbackFarewell = "Thank you for playing. Take care of yourself."
)

// IsTurnFailure reports whether err is a failed turn that was rolled back and answered with a fallback line.
func IsTurnFailure(err error) bool {
	return errors.Is(err, models.ErrOrchestrationLoop) ||
		errors.Is(err, models.ErrUnauthorizedTool) ||
		errors.Is(err, models.ErrRoleFailed) ||
		errors.Is(err, models.ErrPatchConflict) ||
		errors.Is(err, models.ErrInvalidPatch) ||
		errors.Is(err, models.ErrCharacterTombstoned) ||
		errors.Is(err, models.ErrCharacterCreation) ||
		errors.Is(err, models.ErrStoreUnavailable)
}
