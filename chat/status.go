package chat

import "chatbridge/models"

// transitions is the complete set of legal status changes. Terminal
// statuses have no outgoing edges.
var transitions = map[models.Status][]models.Status{
	models.StatusWaiting:  {models.StatusNotified, models.StatusFailed, models.StatusCanceledLocally},
	models.StatusNotified: {models.StatusOpen, models.StatusCanceledLocally},
	models.StatusOpen:     {models.StatusClosed, models.StatusCanceledLocally},
}

// CanTransition reports whether a session may move from one status to
// another.
func CanTransition(from, to models.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
