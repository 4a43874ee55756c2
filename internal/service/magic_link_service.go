package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-contract-approvals/internal/errors"
	"github.com/pesio-ai/be-contract-approvals/internal/logger"
	"github.com/pesio-ai/be-contract-approvals/internal/metrics"
	"github.com/pesio-ai/be-contract-approvals/internal/repository"
)

// magicLinkTokenBytes is the raw token length (256 bits).
const magicLinkTokenBytes = 32

// MagicLinkConfig holds issuance settings.
type MagicLinkConfig struct {
	DefaultTTL time.Duration
	BaseURL    string
}

// MagicLinkService issues and redeems single-use links that let an external
// assignee act on exactly one task. Only token hashes are stored.
type MagicLinkService struct {
	store   repository.Store
	audit   *AuditChain
	metrics *metrics.Metrics
	log     *logger.Logger
	cfg     MagicLinkConfig
	now     func() time.Time
}

// NewMagicLinkService creates a new MagicLinkService.
func NewMagicLinkService(
	store repository.Store,
	audit *AuditChain,
	m *metrics.Metrics,
	log *logger.Logger,
	cfg MagicLinkConfig,
) *MagicLinkService {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 72 * time.Hour
	}
	return &MagicLinkService{store: store, audit: audit, metrics: m, log: log, cfg: cfg, now: time.Now}
}

// IssuedLink is returned once from Issue. RawToken cannot be recovered later.
type IssuedLink struct {
	LinkID    string    `json:"link_id"`
	TaskID    string    `json:"task_id"`
	RawToken  string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ConsumedLink identifies the task a consumed link grants access to.
type ConsumedLink struct {
	LinkID    string `json:"link_id"`
	TaskID    string `json:"task_id"`
	RequestID string `json:"request_id"`
}

// HashToken returns the lowercase hex SHA-256 of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	b := make([]byte, magicLinkTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ── Issue ─────────────────────────────────────────────────────────────────────

// Issue creates a new link for a task after revoking the task's live links.
// A zero ttl uses the configured default.
func (s *MagicLinkService) Issue(ctx context.Context, taskID string, ttl time.Duration, actorID *string) (*IssuedLink, error) {
	if ttl < 0 {
		return nil, errors.InvalidInput("ttl", "ttl must be positive")
	}
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}

	raw, err := generateToken()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to generate magic link token")
	}

	now := s.now().UTC()
	link := &repository.MagicLink{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		TokenHash: HashToken(raw),
		ExpiresAt: now.Add(ttl),
	}

	var revoked int64
	err = s.store.InTransaction(ctx, func(repos repository.Repos) error {
		// The task row lock makes revoke-then-insert atomic per task.
		task, err := repos.Tasks.GetForUpdate(ctx, taskID)
		if err != nil {
			return err
		}
		req, err := repos.Requests.GetByID(ctx, task.RequestID)
		if err != nil {
			return err
		}

		if revoked, err = repos.Links.RevokeLive(ctx, task.ID, now); err != nil {
			return err
		}
		if err := repos.Links.Create(ctx, link); err != nil {
			return err
		}
		_, err = s.audit.Append(ctx, repos.Audit, AppendInput{
			EventType:    EventMagicLinkIssued,
			ActorID:      actorID,
			WorkspaceID:  req.WorkspaceID,
			ContractID:   &req.ContractID,
			ResourceID:   &link.ID,
			ResourceType: ptr("magic_link"),
			Detail: map[string]any{
				"task_id":       task.ID,
				"expires_at":    link.ExpiresAt,
				"revoked_prior": revoked,
			},
		})
		return err
	})
	if err != nil {
		s.metrics.MagicLink("issue", string(errors.CodeOf(err)))
		return nil, err
	}

	s.metrics.MagicLink("issue", "ok")
	s.log.Info().
		Str("link_id", link.ID).
		Str("task_id", taskID).
		Int64("revoked_prior", revoked).
		Time("expires_at", link.ExpiresAt).
		Msg("Magic link issued")

	return &IssuedLink{
		LinkID:    link.ID,
		TaskID:    taskID,
		RawToken:  raw,
		URL:       strings.TrimRight(s.cfg.BaseURL, "/") + "/approve/" + raw,
		ExpiresAt: link.ExpiresAt,
	}, nil
}

// ── Consume ───────────────────────────────────────────────────────────────────

// Consume redeems a raw token. Checks run in order: unknown token, revoked,
// already consumed, expired. The caller acts on the returned task separately.
func (s *MagicLinkService) Consume(ctx context.Context, rawToken string) (*ConsumedLink, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, errors.InvalidInput("token", "token is required")
	}
	hash := HashToken(rawToken)

	var consumed *ConsumedLink
	err := s.store.InTransaction(ctx, func(repos repository.Repos) error {
		link, err := repos.Links.GetByTokenHashForUpdate(ctx, hash)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		switch {
		case link.RevokedAt != nil:
			return errors.New(errors.ErrCodeRevoked, "magic link has been revoked")
		case link.ConsumedAt != nil:
			return errors.New(errors.ErrCodeAlreadyUsed, "magic link has already been used")
		case !now.Before(link.ExpiresAt):
			return errors.New(errors.ErrCodeExpired, "magic link has expired")
		}

		task, err := repos.Tasks.GetByID(ctx, link.TaskID)
		if err != nil {
			return err
		}
		req, err := repos.Requests.GetByID(ctx, task.RequestID)
		if err != nil {
			return err
		}
		if err := repos.Links.MarkConsumed(ctx, link.ID, now); err != nil {
			return err
		}
		if _, err := s.audit.Append(ctx, repos.Audit, AppendInput{
			EventType:    EventMagicLinkConsumed,
			ActorID:      task.ActorID(),
			WorkspaceID:  req.WorkspaceID,
			ContractID:   &req.ContractID,
			ResourceID:   &link.ID,
			ResourceType: ptr("magic_link"),
			Detail:       map[string]any{"task_id": task.ID},
		}); err != nil {
			return err
		}

		consumed = &ConsumedLink{LinkID: link.ID, TaskID: task.ID, RequestID: req.ID}
		return nil
	})
	if err != nil {
		s.metrics.MagicLink("consume", string(errors.CodeOf(err)))
		return nil, err
	}

	s.metrics.MagicLink("consume", "ok")
	s.log.Info().
		Str("link_id", consumed.LinkID).
		Str("task_id", consumed.TaskID).
		Msg("Magic link consumed")
	return consumed, nil
}

// ── Revoke ────────────────────────────────────────────────────────────────────

// Revoke revokes a link. Revoking an already revoked link is a no-op.
func (s *MagicLinkService) Revoke(ctx context.Context, linkID string, actorID *string) error {
	var changed bool
	err := s.store.InTransaction(ctx, func(repos repository.Repos) error {
		link, err := repos.Links.GetByID(ctx, linkID)
		if err != nil {
			return err
		}
		if link.RevokedAt != nil {
			return nil
		}
		task, err := repos.Tasks.GetByID(ctx, link.TaskID)
		if err != nil {
			return err
		}
		req, err := repos.Requests.GetByID(ctx, task.RequestID)
		if err != nil {
			return err
		}
		if err := repos.Links.MarkRevoked(ctx, link.ID, s.now().UTC()); err != nil {
			return err
		}
		if _, err := s.audit.Append(ctx, repos.Audit, AppendInput{
			EventType:    EventMagicLinkRevoked,
			ActorID:      actorID,
			WorkspaceID:  req.WorkspaceID,
			ContractID:   &req.ContractID,
			ResourceID:   &link.ID,
			ResourceType: ptr("magic_link"),
			Detail:       map[string]any{"task_id": task.ID},
		}); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		s.metrics.MagicLink("revoke", string(errors.CodeOf(err)))
		return err
	}

	s.metrics.MagicLink("revoke", "ok")
	if changed {
		s.log.Info().Str("link_id", linkID).Msg("Magic link revoked")
	}
	return nil
}
