package annotation

import (
	"context"
	"fmt"
	"time"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/core/async"
	"github.com/joseph-ayodele/docflow/internal/eventlog"
	"github.com/joseph-ayodele/docflow/internal/llm"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

// handleDraft generates one queued draft. Drafts that are no longer queued
// are skipped, so a redelivered task does not call the model twice.
func (s *Service) handleDraft(ctx context.Context, task async.Task) error {
	draftID := task.EntityID
	start := time.Now()

	draft, err := s.drafts.Get(ctx, draftID)
	if err != nil {
		return err
	}
	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.drafts.MarkGenerating(ctx, draftID)
		if err != nil || !ok {
			return err
		}
		draft.Status = constants.DraftStatusGenerating
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityDraft,
			EntityID:   draftID,
			Action:     constants.ActionRequestDraft,
			FromState:  string(constants.DraftStatusQueued),
			ToState:    string(constants.DraftStatusGenerating),
			ActorID:    constants.SystemActor,
		})
	})
	if err != nil {
		return err
	}
	if draft.Status != constants.DraftStatusGenerating {
		s.logger.Info("draft.task.stale", "draft_id", draftID, "status", draft.Status)
		return nil
	}

	req, err := s.draftRequest(ctx, draft.JobID, draft.ModelName)
	if err != nil {
		s.failDraft(ctx, draftID, string(constants.DraftStatusGenerating), err.Error())
		return nil
	}

	s.logger.Info("draft.generate.start", "draft_id", draftID, "job_id", draft.JobID, "model", draft.ModelName, "trace_id", task.TraceID)
	res, err := s.drafter.Draft(ctx, *req)
	if err != nil {
		s.logger.Warn("draft.generate.failed", "draft_id", draftID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		s.failDraft(context.WithoutCancel(ctx), draftID, string(constants.DraftStatusGenerating), err.Error())
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.drafts.Succeed(ctx, draftID, repository.DraftResult{
			Content:      res.Content,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			CostUSD:      res.CostUSD,
			ExpiresAt:    s.db.Now().Add(s.draftTTL),
		})
		if err != nil || !ok {
			return err
		}
		if err := s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityDraft,
			EntityID:   draftID,
			Action:     constants.ActionCompleteDraft,
			FromState:  string(constants.DraftStatusGenerating),
			ToState:    string(constants.DraftStatusSucceeded),
			ActorID:    constants.SystemActor,
			Reason:     fmt.Sprintf("%d+%d tokens, $%.6f", res.InputTokens, res.OutputTokens, res.CostUSD),
		}); err != nil {
			return err
		}

		// a draft starts the job; jobs already past not_started stay put
		started, err := s.jobs.Transition(ctx, draft.JobID, constants.JobStatusNotStarted, constants.JobStatusInProgress)
		if err != nil || !started {
			return err
		}
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityJob,
			EntityID:   draft.JobID,
			Action:     constants.ActionStart,
			FromState:  string(constants.JobStatusNotStarted),
			ToState:    string(constants.JobStatusInProgress),
			ActorID:    constants.SystemActor,
			Reason:     fmt.Sprintf("draft %d", draftID),
		})
	})
	if err != nil {
		s.logger.Error("draft.complete.failed", "draft_id", draftID, "error", err)
		return err
	}

	s.logger.Info("draft.generate.ok",
		"draft_id", draftID,
		"job_id", draft.JobID,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"cost_usd", res.CostUSD,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *Service) draftRequest(ctx context.Context, jobID int64, model string) (*llm.DraftRequest, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if job.FileTableID == 0 {
		return nil, fmt.Errorf("job %d lost its table to re-extraction", jobID)
	}
	table, err := s.tables.Get(ctx, job.FileTableID)
	if err != nil {
		return nil, fmt.Errorf("load table: %w", err)
	}
	req := &llm.DraftRequest{
		JobID:      jobID,
		Model:      model,
		PageNumber: table.PageNumber,
		TableIndex: table.TableIndex,
		Headers:    table.Headers,
		Rows:       table.Rows,
	}
	if v, err := s.versions.Get(ctx, table.FileVersionID); err == nil {
		if f, err := s.files.Get(ctx, v.FileID); err == nil {
			req.FileName = f.Name
		}
	}
	return req, nil
}

// ReclaimStale fails drafts that have been queued or generating for longer
// than staleAfter since they were requested, so RequestDraft stops reusing
// them. It returns the number of drafts failed.
func (s *Service) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		return 0, common.InvalidInputError("stale timeout must be positive")
	}
	drafts, err := s.drafts.ListInFlight(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := s.db.Now().Add(-staleAfter)
	reclaimed := 0
	for _, d := range drafts {
		if !d.RequestedAt.Before(cutoff) {
			continue
		}
		reason := fmt.Sprintf("draft abandoned: %s since %s", d.Status, d.RequestedAt.Format(time.RFC3339))
		if s.failDraft(ctx, d.ID, string(d.Status), reason) {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		s.logger.Warn("draft.reclaimed", "drafts", reclaimed, "stale_after", staleAfter)
	}
	return reclaimed, nil
}

func (s *Service) failDraft(ctx context.Context, draftID int64, from, reason string) bool {
	var marked bool
	err := s.db.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.drafts.Fail(ctx, draftID, reason)
		if err != nil || !ok {
			return err
		}
		marked = true
		return s.events.Record(ctx, eventlog.Entry{
			EntityType: constants.EntityDraft,
			EntityID:   draftID,
			Action:     constants.ActionFailDraft,
			FromState:  from,
			ToState:    string(constants.DraftStatusFailed),
			ActorID:    constants.SystemActor,
			Reason:     reason,
		})
	})
	if err != nil {
		s.logger.Error("failed to mark draft failed", "draft_id", draftID, "error", err)
		return false
	}
	if marked {
		s.logger.Warn("draft.failed", "draft_id", draftID, "reason", reason)
	}
	return marked
}
