package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	networkdomain "github.com/smallbiznis/uplink/internal/network/domain"
	obscontext "github.com/smallbiznis/uplink/internal/observability/context"
	outboxdomain "github.com/smallbiznis/uplink/internal/outbox/domain"
	"github.com/smallbiznis/uplink/internal/recompute/domain"
	saledomain "github.com/smallbiznis/uplink/internal/sale/domain"
	"go.uber.org/zap"
)

// maxDrainBatches bounds one drain so a hot outbox cannot starve the
// scheduler's other jobs.
const maxDrainBatches = 20

// DrainOutbox delivers pending outbox events to the calculator and the rank
// engine. Commission failures are parked as jobs so the event itself is
// never retried twice for the same reason.
func (s *Service) DrainOutbox(ctx context.Context) (domain.DrainResult, error) {
	ctx = obscontext.WithActor(ctx, obscontext.SystemActor)
	var result domain.DrainResult
	handler := func(ctx context.Context, event outboxdomain.Event) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		n, err := s.handleEvent(ctx, event)
		result.Enqueued += n
		return err
	}

	for range maxDrainBatches {
		res, err := s.outbox.Dispatch(ctx, s.batchSize, handler)
		result.Dispatched += res.Dispatched
		result.Retried += res.Retried
		result.Failed += res.Failed
		if err != nil {
			return result, err
		}
		if res.Claimed < s.batchSize {
			break
		}
	}
	return result, nil
}

func (s *Service) handleEvent(ctx context.Context, event outboxdomain.Event) (int, error) {
	switch event.Topic {
	case outboxdomain.TopicSaleCompleted, outboxdomain.TopicSaleReversed:
		var t saledomain.Transition
		if err := json.Unmarshal(event.Payload, &t); err != nil {
			return 0, fmt.Errorf("decode %s: %w", event.Topic, err)
		}
		if _, err := s.commission.Process(ctx, t.SaleID); err != nil {
			return s.park(ctx, domain.KindCommissionRetry, t, err)
		}
		return s.enqueueChain(ctx, t.DistributorID)

	case outboxdomain.TopicSaleCorrected:
		var t saledomain.Transition
		if err := json.Unmarshal(event.Payload, &t); err != nil {
			return 0, fmt.Errorf("decode %s: %w", event.Topic, err)
		}
		if _, err := s.commission.ApplyCorrection(ctx, t.SaleID, t.PreviousAttempt); err != nil {
			return s.park(ctx, domain.KindSaleCorrection, t, err)
		}
		return s.enqueueChain(ctx, t.DistributorID)

	case outboxdomain.TopicNetworkReparented:
		var ev networkdomain.ReparentEvent
		if err := json.Unmarshal(event.Payload, &ev); err != nil {
			return 0, fmt.Errorf("decode %s: %w", event.Topic, err)
		}
		ids := append([]snowflake.ID{ev.ChildID}, ev.OldChain...)
		return s.enqueueRechecks(ctx, append(ids, ev.NewChain...))

	case outboxdomain.TopicNetworkEnrolled:
		var ev networkdomain.EnrolledEvent
		if err := json.Unmarshal(event.Payload, &ev); err != nil {
			return 0, fmt.Errorf("decode %s: %w", event.Topic, err)
		}
		return s.enqueueRechecks(ctx, append([]snowflake.ID{ev.ParentID}, ev.Chain...))

	default:
		s.log.Warn("outbox topic has no handler",
			zap.String("event_id", event.ID.String()),
			zap.String("topic", event.Topic),
		)
		return 0, nil
	}
}

// park turns a failed commission pass into a job for the worker pool.
func (s *Service) park(ctx context.Context, kind domain.JobKind, t saledomain.Transition, cause error) (int, error) {
	key := fmt.Sprintf("%s:%s", kind, t.SaleID)
	if kind == domain.KindSaleCorrection {
		key = fmt.Sprintf("%s:%s:%d", kind, t.SaleID, t.PreviousAttempt)
	}
	res, err := s.Enqueue(ctx, nil, domain.EnqueueRequest{
		Kind:      kind,
		SubjectID: t.DistributorID,
		DedupeKey: key,
		Payload:   domain.SalePayload{SaleID: t.SaleID, PreviousAttempt: t.PreviousAttempt},
		LastError: cause.Error(),
	})
	if err != nil {
		return 0, fmt.Errorf("park %s for sale %s: %w (cause: %v)", kind, t.SaleID, err, cause)
	}
	s.log.Warn("commission pass parked",
		zap.String("sale_id", t.SaleID.String()),
		zap.String("kind", string(kind)),
		zap.String("job_id", res.Job.ID.String()),
		zap.Error(cause),
	)
	if res.Coalesced {
		return 0, nil
	}
	return 1, nil
}
