package usage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-engine/internal/gateway"
	dbpkg "github.com/angelmondragon/billing-engine/pkg/db"
	"github.com/angelmondragon/billing-engine/pkg/db/models"
	"github.com/angelmondragon/billing-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/billing-engine/pkg/errors"
)

type ReconcileResult struct {
	Subscriptions int
	Batches       int
	Reported      int
	Failed        int
	Quantity      int64
}

func (r *ReconcileResult) add(other ReconcileResult) {
	r.Batches += other.Batches
	r.Reported += other.Reported
	r.Failed += other.Failed
	r.Quantity += other.Quantity
}

// IdempotencyKey is stable for a batch, so a crash between the gateway call and
// marking the batch reported is retried without double counting.
func IdempotencyKey(subscriptionID, featureID uuid.UUID, report models.UsageReport) string {
	return fmt.Sprintf("usage:%s:%s:%d:%d", subscriptionID, featureID, report.PeriodStart.Unix(), report.Sequence)
}

// ProcessUsageRecords claims unreported usage into per-feature batches and pushes
// each batch to the gateway. Pending batches from earlier runs go first with
// their original key. Per-subscription failures are collected, not fatal.
func (s *service) ProcessUsageRecords(ctx context.Context) (*ReconcileResult, error) {
	if s.gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConfiguration, "usage reconciliation requires a payment gateway")
	}
	subs, err := s.repo.ListReconcilable(ctx, s.cfg.ReconcileBatchSize)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list reconcilable subscriptions")
	}

	result := &ReconcileResult{Subscriptions: len(subs)}
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(s.cfg.ReconcileWorkers)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			out, err := s.reconcileSubscription(ctx, sub)
			mu.Lock()
			defer mu.Unlock()
			result.add(out)
			errs = multierr.Append(errs, err)
			return nil
		})
	}
	_ = g.Wait()
	return result, errs
}

func (s *service) reconcileSubscription(ctx context.Context, sub models.Subscription) (ReconcileResult, error) {
	var out ReconcileResult
	ctx = s.logg.WithSubscriptionID(ctx, sub.ID.String())
	if !sub.HasGateway() {
		return out, nil
	}

	claimed, err := s.claimBatches(ctx, sub)
	if err != nil {
		return out, err
	}
	out.Batches = claimed

	pending, err := s.repo.ListPendingReports(ctx, sub.ID)
	if err != nil {
		return out, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending usage reports").
			WithContext("process_usage_records", sub.ID.String())
	}
	featureIDs := make([]uuid.UUID, 0, len(pending))
	for _, report := range pending {
		featureIDs = append(featureIDs, report.FeatureID)
	}
	keys, err := s.repo.FeatureKeys(ctx, featureIDs)
	if err != nil {
		return out, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load feature keys").
			WithContext("process_usage_records", sub.ID.String())
	}

	var errs error
	for _, report := range pending {
		if err := s.pushReport(ctx, sub, report, keys[report.FeatureID]); err != nil {
			out.Failed++
			s.metrics.IncUsageReport("failed")
			errs = multierr.Append(errs, err)
			continue
		}
		out.Reported++
		out.Quantity += report.Quantity
		s.metrics.IncUsageReport("reported")
	}
	return out, errs
}

// claimBatches moves every unclaimed record into one new batch per feature; it
// fails as a whole if another worker claimed any of the same rows.
func (s *service) claimBatches(ctx context.Context, sub models.Subscription) (int, error) {
	created := 0
	periodStart := sub.CurrentPeriodStart.UTC()
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		records, err := repo.ListUnclaimed(ctx, sub.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list unclaimed usage")
		}

		grouped := map[uuid.UUID][]models.UsageRecord{}
		for _, rec := range records {
			grouped[rec.FeatureID] = append(grouped[rec.FeatureID], rec)
		}
		featureIDs := make([]uuid.UUID, 0, len(grouped))
		for id := range grouped {
			featureIDs = append(featureIDs, id)
		}
		sort.Slice(featureIDs, func(i, j int) bool { return featureIDs[i].String() < featureIDs[j].String() })

		for _, featureID := range featureIDs {
			batch := grouped[featureID]
			seq, err := repo.NextSequence(ctx, sub.ID, featureID, periodStart)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "next usage report sequence")
			}
			report := models.UsageReport{
				SubscriptionID: sub.ID,
				FeatureID:      featureID,
				PeriodStart:    periodStart,
				Sequence:       seq,
				Status:         enums.UsageReportStatusPending,
			}
			ids := make([]uuid.UUID, 0, len(batch))
			for _, rec := range batch {
				report.Quantity += rec.Quantity
				ids = append(ids, rec.ID)
			}
			report.IdempotencyKey = IdempotencyKey(sub.ID, featureID, report)
			if err := repo.CreateReport(ctx, &report); err != nil {
				if dbpkg.IsUniqueViolation(err, "") {
					return pkgerrors.Wrap(pkgerrors.CodeConcurrency, err, "usage report batch created concurrently")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create usage report batch")
			}
			n, err := repo.ClaimRecords(ctx, report.ID, ids)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim usage records")
			}
			if n != int64(len(ids)) {
				return pkgerrors.New(pkgerrors.CodeConcurrency, "usage records claimed concurrently")
			}
			created++
		}
		return nil
	})
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return 0, typed.WithContext("process_usage_records", sub.ID.String())
		}
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim usage batches").
			WithContext("process_usage_records", sub.ID.String())
	}
	return created, nil
}

func (s *service) pushReport(ctx context.Context, sub models.Subscription, report models.UsageReport, featureKey string) error {
	recordID := ""
	if report.Quantity > 0 {
		receipt, err := s.gateway.ReportUsage(ctx, gateway.UsageReportInput{
			SubscriptionID: *sub.GatewaySubscriptionID,
			FeatureKey:     featureKey,
			Quantity:       report.Quantity,
			IdempotencyKey: report.IdempotencyKey,
		})
		if err != nil {
			if markErr := s.repo.MarkReportFailed(ctx, report.ID, err.Error()); markErr != nil {
				err = multierr.Append(err, markErr)
			}
			return err
		}
		recordID = receipt.RecordID
	}
	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return s.repo.WithTx(tx).MarkReportReported(ctx, report.ID, recordID, s.now().UTC())
	}); err != nil {
		// the batch stays pending; the next run resends it under the same key
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark usage report reported").
			WithContext("process_usage_records", report.ID.String())
	}
	return nil
}
