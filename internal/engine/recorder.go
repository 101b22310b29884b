package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"promptline/internal/domain"
	"promptline/internal/events"
	"promptline/internal/ledger"
	"promptline/internal/metrics"
	"promptline/internal/textcheck"
)

// TimestampLayout is how submission timestamps are written.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

type SubmissionRequest struct {
	Model      string
	ItemID     domain.ItemID
	UserID     string
	Title      string
	Response   string
	LeaseToken string
}

var errStopScan = errors.New("stop scan")

// Submit validates a response, rejects near-duplicates of any stored response
// across all models, appends it to the model's submission log and marks the
// matching lease fulfilled. The partition lock is held from the lease lookup
// until the lease is marked, so a busy ledger fails the submission with
// ErrLedgerBusy before anything is written. Rejected submissions leave the
// ledger untouched.
func (e Engine) Submit(ctx context.Context, req SubmissionRequest) (domain.Submission, error) {
	if e.submitMu == nil {
		return domain.Submission{}, errNotInitialized
	}
	if err := e.checkModel(req.Model); err != nil {
		return domain.Submission{}, err
	}
	userID, err := checkUser(req.UserID)
	if err != nil {
		return domain.Submission{}, err
	}
	req.UserID = userID

	item, err := e.lookupItem(req)
	if err != nil {
		var verr ValidationError
		if errors.As(err, &verr) {
			e.rejected(ctx, req, metrics.OutcomeInvalid, err)
		}
		return domain.Submission{}, err
	}
	response := strings.TrimSpace(req.Response)
	if err := e.validate(item, response); err != nil {
		e.rejected(ctx, req, metrics.OutcomeInvalid, err)
		return domain.Submission{}, err
	}

	// Duplicate check and append must not interleave with another submission,
	// or two identical responses could both pass.
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	var (
		sub    domain.Submission
		stored bool
		late   bool
	)
	err = e.Ledger.Update(ctx, req.Model, func(tx *ledger.Tx) error {
		leases := tx.Leases()
		idx := ledger.Match(leases, req.ItemID, userID, req.LeaseToken)
		if idx < 0 && !e.Config.Submissions.AcceptLate {
			return fmt.Errorf("%w: no open lease on item %s for %s", ledger.ErrLeaseNotFound, req.ItemID, userID)
		}
		if err := e.checkDuplicate(ctx, response); err != nil {
			return err
		}

		stats := textcheck.Measure(response)
		sub = domain.Submission{
			UUID:           uuid.NewString(),
			ItemID:         item.ID,
			Title:          item.Title,
			Response:       response,
			Model:          req.Model,
			Username:       userID,
			WordCount:      stats.Words,
			SentenceCount:  stats.Sentences,
			CharacterCount: stats.Characters,
			Timestamp:      e.now().UTC().Format(TimestampLayout),
		}
		if err := e.Submissions.Append(ctx, sub); err != nil {
			return fmt.Errorf("record submission: %w", err)
		}
		stored = true
		if idx >= 0 {
			leases[idx].Submitted = true
			if err := tx.Replace(leases); err != nil {
				return fmt.Errorf("mark lease fulfilled: %w", err)
			}
			return nil
		}
		// No open lease: record a fulfilled entry so the item is not offered
		// to this user again.
		late = true
		if err := tx.Append(domain.Lease{
			Username:   userID,
			Model:      req.Model,
			ItemID:     req.ItemID,
			AssignedAt: e.now().UTC().Unix(),
			Submitted:  true,
			Token:      req.LeaseToken,
		}); err != nil {
			return fmt.Errorf("record late submission in ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		var dup DuplicateError
		switch {
		case errors.As(err, &dup):
			e.rejected(ctx, req, metrics.OutcomeDuplicate, err)
		case errors.Is(err, ledger.ErrLeaseNotFound):
			e.rejected(ctx, req, metrics.OutcomeNoLease, err)
		case stored:
			e.log().Error("submission stored but ledger not updated",
				zap.String("model", req.Model),
				zap.String("item", string(req.ItemID)),
				zap.String("uuid", sub.UUID),
				zap.Error(err))
		}
		return domain.Submission{}, err
	}

	e.Metrics.Submission(req.Model, metrics.OutcomeAccepted)
	e.audit(ctx, events.SubmissionAccepted, req.Model, events.EntitySubmission, sub.UUID, userID, events.EventPayload{
		"item_id":    string(sub.ItemID),
		"word_count": sub.WordCount,
		"late":       late,
	})
	return sub, nil
}

func (e Engine) lookupItem(req SubmissionRequest) (domain.Item, error) {
	if strings.TrimSpace(string(req.ItemID)) == "" {
		return domain.Item{}, ValidationError{Field: "item_id", Reason: "item id is required"}
	}
	p, err := e.Pool.Pool()
	if err != nil {
		return domain.Item{}, err
	}
	item, ok := p.Get(req.ItemID)
	if !ok {
		return domain.Item{}, ValidationError{Field: "item_id", Reason: fmt.Sprintf("unknown item %s", req.ItemID)}
	}
	title := strings.TrimSpace(req.Title)
	if item.Title == "" {
		item.Title = title
	} else if title != "" && title != item.Title {
		return domain.Item{}, ValidationError{Field: "title", Reason: "title does not match the item"}
	}
	return item, nil
}

func (e Engine) validate(item domain.Item, response string) error {
	if response == "" {
		return ValidationError{Field: "response", Reason: "response is empty"}
	}
	if e.Config.Submissions.RequireTitlePrefix && item.Title != "" && !strings.HasPrefix(response, item.Title) {
		return ValidationError{Field: "response", Reason: "first line must match the title exactly"}
	}
	if minWords := e.Config.Submissions.MinWords; textcheck.WordCount(response) < minWords {
		return ValidationError{Field: "response", Reason: fmt.Sprintf("response must be at least %d words", minWords)}
	}
	return nil
}

// checkDuplicate compares response with every stored response of every
// configured model, character by character.
func (e Engine) checkDuplicate(ctx context.Context, response string) error {
	threshold := e.Config.Submissions.SimilarityThreshold
	fp := textcheck.Fingerprint(response)
	m := textcheck.NewMatcher(response)

	var dup *DuplicateError
	err := e.Submissions.Each(ctx, e.Config.Models, func(s domain.Submission) error {
		ratio := 1.0
		exact := textcheck.Fingerprint(s.Response) == fp && s.Response == response
		if !exact {
			var over bool
			if ratio, over = m.Exceeds(s.Response, threshold); !over {
				return nil
			}
		}
		dup = &DuplicateError{
			Model:  s.Model,
			ItemID: s.ItemID,
			UUID:   s.UUID,
			Ratio:  ratio,
			Diff:   textcheck.WordDiff(s.Response, response),
		}
		return errStopScan
	})
	if dup != nil {
		return *dup
	}
	if err != nil && !errors.Is(err, errStopScan) {
		return fmt.Errorf("scan submissions: %w", err)
	}
	return nil
}

func (e Engine) rejected(ctx context.Context, req SubmissionRequest, outcome string, cause error) {
	e.Metrics.Submission(req.Model, outcome)
	e.audit(ctx, events.SubmissionRejected, req.Model, events.EntitySubmission, string(req.ItemID), req.UserID, events.EventPayload{
		"outcome": outcome,
		"reason":  cause.Error(),
	})
}
