package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-contract-approvals/internal/errors"
	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/metrics"
	"github.com/pesio-ai/be-contract-approvals/internal/repository"
)

// Action is a decision an assignee takes on a task.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionReturn  Action = "return"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionApprove, ActionReject, ActionReturn:
		return a, nil
	default:
		return "", errors.InvalidInput("action", fmt.Sprintf("unknown action %q", s))
	}
}

func (a Action) taskStatus() repository.TaskStatus {
	switch a {
	case ActionApprove:
		return repository.TaskApproved
	case ActionReject:
		return repository.TaskRejected
	case ActionReturn:
		return repository.TaskReturned
	default:
		panic(fmt.Sprintf("unparsed action %q", string(a)))
	}
}

func (a Action) auditEvent() string {
	switch a {
	case ActionApprove:
		return EventApprovalApproved
	case ActionReject:
		return EventApprovalRejected
	case ActionReturn:
		return EventApprovalReturned
	default:
		panic(fmt.Sprintf("unparsed action %q", string(a)))
	}
}

func (a Action) pastTense() string {
	return string(a.taskStatus())
}

// WorkflowConfig holds engine settings.
type WorkflowConfig struct {
	BaseURL string
}

// ApprovalWorkflowService drives approval requests through their tasks.
// Request status is only ever written here, from DeriveStatus.
type ApprovalWorkflowService struct {
	store   repository.Store
	audit   *AuditChain
	notify  *dispatcher
	metrics *metrics.Metrics
	log     *logger.Logger
	cfg     WorkflowConfig
	now     func() time.Time
}

// NewApprovalWorkflowService creates a new ApprovalWorkflowService.
func NewApprovalWorkflowService(
	store repository.Store,
	audit *AuditChain,
	gateway NotificationGateway,
	m *metrics.Metrics,
	log *logger.Logger,
	cfg WorkflowConfig,
) *ApprovalWorkflowService {
	return &ApprovalWorkflowService{
		store:   store,
		audit:   audit,
		notify:  &dispatcher{gateway: gateway, metrics: m, log: log},
		metrics: m,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
	}
}

// ── Request creation ──────────────────────────────────────────────────────────

// CreateRequestInput is the payload for opening an approval request. Exactly
// one of FlowID and Stages must be set.
type CreateRequestInput struct {
	ContractID     string                     `json:"contract_id"`
	FlowID         *string                    `json:"flow_id,omitempty"`
	Stages         []repository.Stage         `json:"stages,omitempty"`
	DueAt          *time.Time                 `json:"due_at,omitempty"`
	ReminderPolicy *repository.ReminderPolicy `json:"reminder_policy,omitempty"`
	Message        *string                    `json:"message,omitempty"`
	CreatedBy      string                     `json:"-"`
}

// RequestDetail is a request with its tasks ordered by stage and order.
type RequestDetail struct {
	Request *repository.ApprovalRequest `json:"request"`
	Tasks   []*repository.ApprovalTask  `json:"tasks"`
}

// CreateRequest resolves stages, fans out one task per (stage, assignee),
// persists everything with the creation audit event, then notifies the
// stage-1 user assignees.
func (s *ApprovalWorkflowService) CreateRequest(ctx context.Context, in CreateRequestInput) (*RequestDetail, error) {
	if strings.TrimSpace(in.ContractID) == "" {
		return nil, errors.InvalidInput("contract_id", "contract_id is required")
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		return nil, errors.InvalidInput("created_by", "creator is required")
	}
	hasFlow := in.FlowID != nil && *in.FlowID != ""
	if hasFlow == (len(in.Stages) > 0) {
		return nil, errors.InvalidInput("flow_id", "specify exactly one of flow_id or stages")
	}

	policy := repository.DefaultReminderPolicy()
	if in.ReminderPolicy != nil {
		for _, d := range in.ReminderPolicy.DaysBefore {
			if d < 0 {
				return nil, errors.InvalidInput("reminder_policy.days_before", "thresholds must not be negative")
			}
		}
		policy = *in.ReminderPolicy
	}

	var inline []repository.Stage
	if !hasFlow {
		var err error
		if inline, err = normalizeStages(in.Stages); err != nil {
			return nil, err
		}
	}

	var (
		detail   *RequestDetail
		contract *repository.ContractRef
	)
	err := s.store.InTransaction(ctx, func(repos repository.Repos) error {
		var err error
		contract, err = repos.Contracts.GetContract(ctx, in.ContractID)
		if err != nil {
			return err
		}

		stages := inline
		if hasFlow {
			flow, err := repos.Flows.GetByID(ctx, *in.FlowID)
			if err != nil {
				return err
			}
			if !flow.IsActive {
				return errors.InvalidInput("flow_id", fmt.Sprintf("approval flow %s is inactive", flow.ID))
			}
			stages = flow.Stages
		}

		req := &repository.ApprovalRequest{
			ID:             uuid.NewString(),
			ContractID:     contract.ID,
			WorkspaceID:    contract.WorkspaceID,
			DueAt:          in.DueAt,
			ReminderPolicy: policy,
			Status:         repository.RequestPending,
			Message:        in.Message,
			CreatedBy:      in.CreatedBy,
		}
		if hasFlow {
			req.FlowID = in.FlowID
		}
		tasks := fanOutTasks(stages)

		if err := repos.Requests.Create(ctx, req, tasks); err != nil {
			return err
		}
		if _, err := repos.Requests.MarkStageNotified(ctx, req.ID, 1); err != nil {
			return err
		}
		if _, err := s.audit.Append(ctx, repos.Audit, AppendInput{
			EventType:    EventApprovalRequestCreated,
			ActorID:      &in.CreatedBy,
			WorkspaceID:  req.WorkspaceID,
			ContractID:   &req.ContractID,
			ResourceID:   &req.ID,
			ResourceType: ptr("approval_request"),
			Detail:       requestCreatedDetail{Message: req.Message, DueAt: req.DueAt},
		}); err != nil {
			return err
		}

		detail = &RequestDetail{Request: req, Tasks: tasks}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RequestCreated()
	s.log.Info().
		Str("request_id", detail.Request.ID).
		Str("contract_id", detail.Request.ContractID).
		Int("tasks", len(detail.Tasks)).
		Msg("Approval request created")

	nc := notificationContext{baseURL: s.cfg.BaseURL, request: detail.Request, contract: contract}
	s.notify.dispatch(ctx, nc.approvalRequested(detail.Tasks, 1, NotifyApprovalRequested))

	return detail, nil
}

type requestCreatedDetail struct {
	Message *string    `json:"message"`
	DueAt   *time.Time `json:"due_at"`
}

// fanOutTasks creates one pending task per (stage, assignee) pair.
func fanOutTasks(stages []repository.Stage) []*repository.ApprovalTask {
	var tasks []*repository.ApprovalTask
	for _, st := range stages {
		for _, a := range st.Assignees {
			kind := a.Kind
			if kind == "" {
				kind = repository.AssigneeUser
			}
			order := a.Order
			if order == 0 {
				order = 1
			}
			tasks = append(tasks, &repository.ApprovalTask{
				ID:           uuid.NewString(),
				Stage:        st.Stage,
				Order:        order,
				AssigneeKind: kind,
				AssigneeID:   a.ID,
				Status:       repository.TaskPending,
			})
		}
	}
	return tasks
}

// GetRequest returns a request with its tasks.
func (s *ApprovalWorkflowService) GetRequest(ctx context.Context, id string) (*RequestDetail, error) {
	var detail *RequestDetail
	err := s.store.InTransaction(ctx, func(repos repository.Repos) error {
		req, err := repos.Requests.GetByID(ctx, id)
		if err != nil {
			return err
		}
		tasks, err := repos.Tasks.ListByRequest(ctx, id)
		if err != nil {
			return err
		}
		detail = &RequestDetail{Request: req, Tasks: tasks}
		return nil
	})
	return detail, err
}

// ── Task actions ──────────────────────────────────────────────────────────────

// ActOnTaskInput is the payload for approving, rejecting or returning a task.
type ActOnTaskInput struct {
	TaskID      string  `json:"-"`
	Action      Action  `json:"-"`
	Comment     *string `json:"comment,omitempty"`
	Signature   *string `json:"signature,omitempty"`
	ActorWallet *string `json:"actor_wallet,omitempty"`
}

// ActionResult is the task after the action and the request's new status.
type ActionResult struct {
	Task          *repository.ApprovalTask `json:"task"`
	RequestStatus repository.RequestStatus `json:"request_status"`
}

// ActOnTask applies an action to a pending task. The task update, status
// recomputation, stage-notification marker and audit event commit together;
// notifications go out after commit and cannot fail the action.
func (s *ApprovalWorkflowService) ActOnTask(ctx context.Context, in ActOnTaskInput) (*ActionResult, error) {
	action, err := ParseAction(string(in.Action))
	if err != nil {
		return nil, err
	}

	var (
		result        *ActionResult
		notifications []Notification
		finalStatus   repository.RequestStatus
	)
	err = s.store.InTransaction(ctx, func(repos repository.Repos) error {
		task, err := repos.Tasks.GetForUpdate(ctx, in.TaskID)
		if err != nil {
			return err
		}
		if task.Status != repository.TaskPending {
			return errors.New(errors.ErrCodeConflict, fmt.Sprintf("task %s already processed", task.ID))
		}
		comment := trimmed(in.Comment)
		if action != ActionApprove && comment == nil {
			return errors.InvalidInput("comment", fmt.Sprintf("a comment is required to %s a task", action))
		}

		// Serializes progression per request.
		req, err := repos.Requests.GetForUpdate(ctx, task.RequestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return errors.New(errors.ErrCodeConflict, fmt.Sprintf("approval request %s is already %s", req.ID, req.Status))
		}
		contract, err := repos.Contracts.GetContract(ctx, req.ContractID)
		if err != nil {
			return err
		}

		actedAt := s.now().UTC()
		if err := repos.Tasks.RecordAction(ctx, task.ID, action.taskStatus(), comment, in.Signature, actedAt); err != nil {
			return err
		}
		task.Status = action.taskStatus()
		task.Comment = comment
		task.Signature = in.Signature
		task.ActedAt = &actedAt

		tasks, err := repos.Tasks.ListByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		status := DeriveStatus(tasks)
		if status != req.Status {
			if err := repos.Requests.UpdateStatus(ctx, req.ID, status); err != nil {
				return err
			}
			if status.Terminal() {
				finalStatus = status
			}
		}

		detail := map[string]any{"stage": task.Stage, "request_status": status}
		if comment != nil {
			detail["comment"] = *comment
		}
		if in.Signature != nil {
			detail["signature"] = *in.Signature
		}
		if task.AssigneeKind != repository.AssigneeUser {
			detail["assignee_type"] = task.AssigneeKind
			detail["assignee_id"] = task.AssigneeID
		}
		if _, err := s.audit.Append(ctx, repos.Audit, AppendInput{
			EventType:    action.auditEvent(),
			ActorID:      task.ActorID(),
			ActorWallet:  in.ActorWallet,
			WorkspaceID:  req.WorkspaceID,
			ContractID:   &req.ContractID,
			ResourceID:   &task.ID,
			ResourceType: ptr("approval_task"),
			Detail:       detail,
		}); err != nil {
			return err
		}

		nc := notificationContext{baseURL: s.cfg.BaseURL, request: req, contract: contract}
		notifications = append(notifications, nc.taskActed(task, action))
		switch status {
		case repository.RequestApproved:
			notifications = append(notifications, nc.completed())
		case repository.RequestPending:
			stage := ReachedStage(tasks)
			if stage == 0 {
				break
			}
			first, err := repos.Requests.MarkStageNotified(ctx, req.ID, stage)
			if err != nil {
				return err
			}
			if first {
				s.metrics.StageAdvanced()
				notifications = append(notifications, nc.approvalRequested(tasks, stage, NotifyStageReady)...)
			}
		}

		result = &ActionResult{Task: task, RequestStatus: status}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.TaskAction(string(action))
	if finalStatus != "" {
		s.metrics.RequestOutcome(string(finalStatus))
	}
	s.log.Info().
		Str("task_id", result.Task.ID).
		Str("request_id", result.Task.RequestID).
		Str("action", string(action)).
		Str("request_status", string(result.RequestStatus)).
		Msg("Approval task acted on")

	s.notify.dispatch(ctx, notifications)
	return result, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
