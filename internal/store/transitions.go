package store

import "qms/queue-engine/internal/models"

const (
	ActionCallNext = "call_next"
	ActionStart    = "start_serving"
	ActionComplete = "complete"
	ActionNoShow   = "no_show"
	ActionRecall   = "recall"
	ActionCancel   = "cancel"
)

var transitionMap = map[string][]string{
	ActionCallNext: {models.StatusWaiting},
	ActionStart:    {models.StatusCalled},
	ActionComplete: {models.StatusCalled, models.StatusServing},
	ActionNoShow:   {models.StatusCalled, models.StatusServing},
	ActionRecall:   {models.StatusNoShow},
	ActionCancel:   {models.StatusWaiting},
}

var targetMap = map[string]string{
	ActionCallNext: models.StatusCalled,
	ActionStart:    models.StatusServing,
	ActionComplete: models.StatusCompleted,
	ActionNoShow:   models.StatusNoShow,
	ActionRecall:   models.StatusCalled,
	ActionCancel:   models.StatusCancelled,
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// SourceStates returns the states an action may start from.
func SourceStates(action string) []string {
	allowed := transitionMap[action]
	out := make([]string, len(allowed))
	copy(out, allowed)
	return out
}

func TargetState(action string) string {
	return targetMap[action]
}
