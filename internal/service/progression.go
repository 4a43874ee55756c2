package service

import (
	"sort"

	"github.com/pesio-ai/be-contract-approvals/internal/repository"
)

// DeriveStatus computes a request's status from its full task set:
// all approved wins, then any rejection, then any return, else pending.
// An empty task set stays pending.
func DeriveStatus(tasks []*repository.ApprovalTask) repository.RequestStatus {
	if len(tasks) == 0 {
		return repository.RequestPending
	}

	allApproved := true
	var anyRejected, anyReturned bool
	for _, t := range tasks {
		switch t.Status {
		case repository.TaskApproved:
			continue
		case repository.TaskRejected:
			anyRejected = true
		case repository.TaskReturned:
			anyReturned = true
		}
		allApproved = false
	}

	switch {
	case allApproved:
		return repository.RequestApproved
	case anyRejected:
		return repository.RequestRejected
	case anyReturned:
		return repository.RequestReturned
	default:
		return repository.RequestPending
	}
}

// ReachedStage returns the stage whose assignees should now be notified, or 0.
// That is the lowest stage not fully approved, provided it is above 1 and the
// stage numbered directly below it is fully approved. Stage 1 is announced on
// creation, and validated stage lists always number 1..n.
func ReachedStage(tasks []*repository.ApprovalTask) int {
	approved := map[int]bool{}
	for _, t := range tasks {
		done, seen := approved[t.Stage]
		approved[t.Stage] = (done || !seen) && t.Status == repository.TaskApproved
	}

	stages := make([]int, 0, len(approved))
	for s := range approved {
		stages = append(stages, s)
	}
	sort.Ints(stages)

	for _, s := range stages {
		if approved[s] {
			continue
		}
		if s > 1 && approved[s-1] {
			return s
		}
		return 0
	}
	return 0
}

// stageUsers returns the user-kind tasks of a stage.
func stageUsers(tasks []*repository.ApprovalTask, stage int) []*repository.ApprovalTask {
	var out []*repository.ApprovalTask
	for _, t := range tasks {
		if t.Stage == stage && t.AssigneeKind == repository.AssigneeUser {
			out = append(out, t)
		}
	}
	return out
}
