package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-contract-approvals/internal/errors"
	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/repository"
)

// FlowTemplateService manages reusable approval flows. Requests copy a flow's
// stages when they are created, so edits here only affect future requests.
type FlowTemplateService struct {
	store repository.Store
	audit *AuditChain
	log   *logger.Logger
}

// NewFlowTemplateService creates a new FlowTemplateService.
func NewFlowTemplateService(store repository.Store, audit *AuditChain, log *logger.Logger) *FlowTemplateService {
	return &FlowTemplateService{store: store, audit: audit, log: log}
}

// CreateFlowInput is the payload for creating a flow.
type CreateFlowInput struct {
	WorkspaceID string             `json:"-"`
	Name        string             `json:"name"`
	Stages      []repository.Stage `json:"stages"`
	ActorID     *string            `json:"-"`
}

// Create validates and stores a new active flow.
func (s *FlowTemplateService) Create(ctx context.Context, in CreateFlowInput) (*repository.ApprovalFlow, error) {
	if strings.TrimSpace(in.WorkspaceID) == "" {
		return nil, errors.InvalidInput("workspace_id", "workspace_id is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, errors.InvalidInput("name", "name is required")
	}
	stages, err := normalizeStages(in.Stages)
	if err != nil {
		return nil, err
	}

	flow := &repository.ApprovalFlow{
		ID:          uuid.NewString(),
		WorkspaceID: in.WorkspaceID,
		Name:        strings.TrimSpace(in.Name),
		Stages:      stages,
		IsActive:    true,
	}

	err = s.store.InTransaction(ctx, func(repos repository.Repos) error {
		exists, err := repos.Contracts.WorkspaceExists(ctx, in.WorkspaceID)
		if err != nil {
			return err
		}
		if !exists {
			return errors.NotFound("workspace", in.WorkspaceID)
		}
		if err := repos.Flows.Create(ctx, flow); err != nil {
			return err
		}
		_, err = s.audit.Append(ctx, repos.Audit, AppendInput{
			EventType:    EventApprovalFlowCreated,
			ActorID:      in.ActorID,
			WorkspaceID:  &flow.WorkspaceID,
			ResourceID:   &flow.ID,
			ResourceType: ptr("approval_flow"),
			Detail:       map[string]any{"name": flow.Name, "stage_count": len(flow.Stages)},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("flow_id", flow.ID).
		Str("workspace_id", flow.WorkspaceID).
		Int("stages", len(flow.Stages)).
		Msg("Approval flow created")
	return flow, nil
}

// Get returns a flow by id, active or not.
func (s *FlowTemplateService) Get(ctx context.Context, id string) (*repository.ApprovalFlow, error) {
	var flow *repository.ApprovalFlow
	err := s.store.InTransaction(ctx, func(repos repository.Repos) error {
		var err error
		flow, err = repos.Flows.GetByID(ctx, id)
		return err
	})
	return flow, err
}

// List returns the active flows of a workspace, newest first.
func (s *FlowTemplateService) List(ctx context.Context, workspaceID string) ([]*repository.ApprovalFlow, error) {
	flows := []*repository.ApprovalFlow{}
	err := s.store.InTransaction(ctx, func(repos repository.Repos) error {
		found, err := repos.Flows.ListActive(ctx, workspaceID)
		if err != nil {
			return err
		}
		flows = append(flows, found...)
		return nil
	})
	return flows, err
}

// Update replaces the stages of an active flow.
func (s *FlowTemplateService) Update(ctx context.Context, id string, stages []repository.Stage, actorID *string) (*repository.ApprovalFlow, error) {
	normalized, err := normalizeStages(stages)
	if err != nil {
		return nil, err
	}

	var flow *repository.ApprovalFlow
	err = s.store.InTransaction(ctx, func(repos repository.Repos) error {
		current, err := s.activeFlow(ctx, repos, id)
		if err != nil {
			return err
		}
		if err := repos.Flows.UpdateStages(ctx, id, normalized); err != nil {
			return err
		}
		if _, err := s.audit.Append(ctx, repos.Audit, AppendInput{
			EventType:    EventApprovalFlowUpdated,
			ActorID:      actorID,
			WorkspaceID:  &current.WorkspaceID,
			ResourceID:   &current.ID,
			ResourceType: ptr("approval_flow"),
			Detail:       map[string]any{"stage_count": len(normalized)},
		}); err != nil {
			return err
		}
		flow, err = repos.Flows.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("flow_id", id).Int("stages", len(normalized)).Msg("Approval flow updated")
	return flow, nil
}

// Deactivate soft-deletes an active flow. Existing requests are untouched.
func (s *FlowTemplateService) Deactivate(ctx context.Context, id string, actorID *string) error {
	err := s.store.InTransaction(ctx, func(repos repository.Repos) error {
		flow, err := s.activeFlow(ctx, repos, id)
		if err != nil {
			return err
		}
		if err := repos.Flows.Deactivate(ctx, id); err != nil {
			return err
		}
		_, err = s.audit.Append(ctx, repos.Audit, AppendInput{
			EventType:    EventApprovalFlowDeactivated,
			ActorID:      actorID,
			WorkspaceID:  &flow.WorkspaceID,
			ResourceID:   &flow.ID,
			ResourceType: ptr("approval_flow"),
		})
		return err
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("flow_id", id).Msg("Approval flow deactivated")
	return nil
}

func (s *FlowTemplateService) activeFlow(ctx context.Context, repos repository.Repos, id string) (*repository.ApprovalFlow, error) {
	flow, err := repos.Flows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !flow.IsActive {
		return nil, errors.New(errors.ErrCodeConflict, fmt.Sprintf("approval flow %s is inactive", id))
	}
	return flow, nil
}

// ── Stage validation ──────────────────────────────────────────────────────────

// normalizeStages validates stage definitions and fills defaults: stage type
// defaults to sequential, assignee kind to user, assignee order to 1. Stage
// numbers must be unique and contiguous from 1.
func normalizeStages(stages []repository.Stage) ([]repository.Stage, error) {
	if len(stages) == 0 {
		return nil, errors.InvalidInput("stages", "at least one stage is required")
	}

	seen := make(map[int]bool, len(stages))
	out := make([]repository.Stage, 0, len(stages))
	for i, st := range stages {
		field := fmt.Sprintf("stages[%d]", i)
		if st.Stage < 1 {
			return nil, errors.InvalidInput(field+".stage", "stage number must be at least 1")
		}
		if seen[st.Stage] {
			return nil, errors.InvalidInput(field+".stage", fmt.Sprintf("duplicate stage number %d", st.Stage))
		}
		seen[st.Stage] = true

		switch st.Type {
		case "":
			st.Type = repository.StageSequential
		case repository.StageSequential, repository.StageParallel:
		default:
			return nil, errors.InvalidInput(field+".type", "type must be sequential or parallel")
		}

		if len(st.Assignees) == 0 {
			return nil, errors.InvalidInput(field+".assignees", "at least one assignee is required")
		}
		assignees := make([]repository.Assignee, 0, len(st.Assignees))
		for j, a := range st.Assignees {
			afield := fmt.Sprintf("%s.assignees[%d]", field, j)
			switch a.Kind {
			case "":
				a.Kind = repository.AssigneeUser
			case repository.AssigneeUser, repository.AssigneeRole, repository.AssigneeExternal:
			default:
				return nil, errors.InvalidInput(afield+".type", "assignee type must be user, role or external")
			}
			if strings.TrimSpace(a.ID) == "" {
				return nil, errors.InvalidInput(afield+".id", "assignee id is required")
			}
			if a.Order == 0 {
				a.Order = 1
			}
			if a.Order < 0 {
				return nil, errors.InvalidInput(afield+".order", "order must be positive")
			}
			assignees = append(assignees, a)
		}
		st.Assignees = assignees
		out = append(out, st)
	}

	// Stages may be listed in any order but must number 1..n.
	for n := 1; n <= len(out); n++ {
		if !seen[n] {
			return nil, errors.InvalidInput("stages", fmt.Sprintf("stage numbers must run from 1 to %d without gaps; stage %d is missing", len(out), n))
		}
	}
	return out, nil
}
