package service

import (
	"context"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// CarbonCopyService registers carbon-copy recipients and notifies them when
// an instance completes. Delivery is best-effort.
type CarbonCopyService struct {
	store    repository.Store
	notifier Notifier
	metrics  *Metrics
	log      *logger.Logger
	now      func() time.Time
}

// NewCarbonCopyService creates a new CarbonCopyService. notifier may be nil,
// in which case recipients are recorded but never notified.
func NewCarbonCopyService(store repository.Store, notifier Notifier, metrics *Metrics, log *logger.Logger) *CarbonCopyService {
	return &CarbonCopyService{
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// Add records userIDs as recipients of instanceID inside tx. Blank and
// repeated IDs are ignored.
func (s *CarbonCopyService) Add(ctx context.Context, tx repository.Tx, instanceID string, userIDs []string, addedBy string) ([]*repository.ApprovalCarbonCopy, error) {
	seen := make(map[string]struct{}, len(userIDs))
	var added []*repository.ApprovalCarbonCopy
	for _, userID := range userIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		cc := &repository.ApprovalCarbonCopy{InstanceID: instanceID, UserID: userID, AddedBy: addedBy}
		if err := tx.CarbonCopies().Add(ctx, cc); err != nil {
			return nil, err
		}
		added = append(added, cc)
	}
	return added, nil
}

// NotifyOnCompletion sends one notification per recipient of inst and stamps
// NotifiedAt on each successful delivery. Failures are logged, not returned.
func (s *CarbonCopyService) NotifyOnCompletion(ctx context.Context, inst *repository.ApprovalInstance) {
	if s.notifier == nil {
		return
	}

	var recipients []*repository.ApprovalCarbonCopy
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		recipients, err = tx.CarbonCopies().ListByInstance(ctx, inst.ID)
		return err
	})
	if err != nil {
		s.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Failed to load carbon-copy recipients")
		return
	}

	for _, cc := range recipients {
		if cc.NotifiedAt != nil {
			continue
		}
		n := &Notification{
			RecipientID: cc.UserID,
			InstanceID:  inst.ID,
			InstanceNo:  inst.InstanceNo,
			EntityType:  inst.EntityType,
			EntityID:    inst.EntityID,
			Title:       inst.Title,
			Status:      inst.Status,
			CompletedAt: inst.CompletedAt,
		}
		if inst.FinalComment != nil {
			n.FinalComment = *inst.FinalComment
		}

		if err := s.notifier.Notify(ctx, n); err != nil {
			s.metrics.delivered(false)
			s.log.Warn().Err(err).
				Str("instance_id", inst.ID).
				Str("user_id", cc.UserID).
				Msg("Carbon-copy notification failed (non-fatal)")
			continue
		}
		s.metrics.delivered(true)

		ccID := cc.ID
		err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
			return tx.CarbonCopies().MarkNotified(ctx, ccID, s.now())
		})
		if err != nil {
			s.log.Warn().Err(err).Str("cc_id", ccID).Msg("Failed to stamp carbon-copy notification")
		}
	}
}

// ListForUser returns the user's carbon-copy inbox, newest first.
func (s *CarbonCopyService) ListForUser(ctx context.Context, userID string) ([]*repository.ApprovalCarbonCopy, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	var out []*repository.ApprovalCarbonCopy
	err := s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.CarbonCopies().ListForUser(ctx, userID)
		return err
	})
	return out, err
}

// MarkRead marks a carbon copy as read by its recipient.
func (s *CarbonCopyService) MarkRead(ctx context.Context, ccID, userID string) error {
	if ccID == "" {
		return errors.InvalidInput("cc_id", "is required")
	}
	if userID == "" {
		return errors.InvalidInput("user_id", "is required")
	}
	return s.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.CarbonCopies().MarkRead(ctx, ccID, userID, s.now())
	})
}
