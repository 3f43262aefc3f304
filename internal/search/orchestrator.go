package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loopdesk/poit-crawler/internal/browser"
	"github.com/loopdesk/poit-crawler/internal/poit"
	"github.com/loopdesk/poit-crawler/internal/progress"
)

// ErrInputNotFound reports that no search input could be located after the
// full retry budget, including page reloads.
var ErrInputNotFound = errors.New("search: input not found after retries")

// SubmitOutcome is the result of one submission attempt.
type SubmitOutcome int

const (
	// Submitted means the query was filled and the form submitted.
	Submitted SubmitOutcome = iota
	// SubmitDisabled means the submit button rejected the query. The
	// variant is invalid, not the page.
	SubmitDisabled
	// SubmitInputNotFound means no input field was present.
	SubmitInputNotFound
)

// Page is the browser surface the orchestrator drives. *browser.Session
// satisfies it.
type Page interface {
	ResolveBlocker(ctx context.Context) error
	EnsureSearchForm(ctx context.Context) (bool, error)
	WaitForInputs(ctx context.Context) (bool, error)
	BodyText(ctx context.Context) (string, error)
	Reload(ctx context.Context) error
	Driver() browser.Driver
}

// Config controls the search flow.
type Config struct {
	// ResultPolls and PollDelay bound the results-view polling loop.
	ResultPolls int
	PollDelay   time.Duration
	// SubmitAttempts bounds per-variant submission retries.
	SubmitAttempts int
	// ClientErrorRecoveries bounds reloads after a client-side error
	// rendered into the results view.
	ClientErrorRecoveries int
	// PostSubmitDelay gives the SPA a beat before the first poll.
	PostSubmitDelay time.Duration

	Emitter progress.Emitter
	Logger  *zap.Logger
}

// Orchestrator runs query variants against the search form until one
// yields results.
type Orchestrator struct {
	page    Page
	cfg     Config
	emitter progress.Emitter
	logger  *zap.Logger
}

// New builds an Orchestrator over an open page.
func New(page Page, cfg Config) *Orchestrator {
	if cfg.ResultPolls <= 0 {
		cfg.ResultPolls = 10
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 1500 * time.Millisecond
	}
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = 3
	}
	if cfg.ClientErrorRecoveries <= 0 {
		cfg.ClientErrorRecoveries = 2
	}
	if cfg.PostSubmitDelay <= 0 {
		cfg.PostSubmitDelay = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		page:    page,
		cfg:     cfg,
		emitter: cfg.Emitter,
		logger:  logger,
	}
}

// Run tries each query variant in order and returns the first non-empty
// result set along with the variant that produced it. Exhausting every
// variant without results is a successful empty search, not an error.
func (o *Orchestrator) Run(ctx context.Context, query string) ([]poit.ResultRow, string, error) {
	variants := poit.BuildQueryVariants(query)
	if len(variants) == 0 {
		return nil, query, fmt.Errorf("search: empty query")
	}

	used := variants[0]
	for idx, variant := range variants {
		used = variant
		o.emit(ctx, progress.Event{
			Type:    progress.TypeSearch,
			Message: fmt.Sprintf("searching for %q", variant),
		})

		submitted, invalid, err := o.submitWithRetries(ctx, variant)
		if err != nil {
			return nil, used, err
		}
		if !submitted {
			if invalid {
				o.logger.Info("query variant rejected", zap.String("variant", variant))
				o.emit(ctx, progress.Statusf("query %q rejected, trying next variant", variant))
				continue
			}
			return nil, used, ErrInputNotFound
		}

		if err := o.page.Driver().Sleep(ctx, o.cfg.PostSubmitDelay); err != nil {
			return nil, used, err
		}
		rows, err := o.CollectResults(ctx, variant)
		if err != nil {
			return nil, used, err
		}
		o.emit(ctx, progress.Event{
			Type:    progress.TypeResult,
			Message: fmt.Sprintf("found %d announcements for %q", len(rows), variant),
		})
		if len(rows) > 0 {
			return rows, used, nil
		}

		if idx < len(variants)-1 {
			if err := o.rearm(ctx); err != nil {
				return nil, used, err
			}
		}
	}
	return nil, used, nil
}

func (o *Orchestrator) submitWithRetries(ctx context.Context, variant string) (submitted, invalid bool, err error) {
	for attempt := 1; attempt <= o.cfg.SubmitAttempts; attempt++ {
		outcome, err := o.Submit(ctx, variant)
		if err != nil {
			return false, false, err
		}
		switch outcome {
		case Submitted:
			return true, false, nil
		case SubmitDisabled:
			return false, true, nil
		}

		o.logger.Warn("search input missing, reloading", zap.Int("attempt", attempt))
		if err := o.page.Reload(ctx); err != nil {
			return false, false, err
		}
		if err := o.page.ResolveBlocker(ctx); err != nil {
			return false, false, err
		}
		if _, err := o.page.EnsureSearchForm(ctx); err != nil {
			return false, false, err
		}
	}
	return false, false, nil
}

// Submit classifies the query, fills the matching input, fires the
// framework's change detection and clicks the submit button.
func (o *Orchestrator) Submit(ctx context.Context, query string) (SubmitOutcome, error) {
	drv := o.page.Driver()

	value := query
	findScript, dispatchScript := scriptFindNameInput, scriptDispatchNameEvents
	if poit.IsOrgNumberQuery(query) {
		value = poit.FormatOrgNumber(poit.DigitsOnly(query))
		findScript, dispatchScript = scriptFindOrgInput, scriptDispatchOrgEvents
	}

	var sel string
	if err := drv.Eval(ctx, findScript, &sel); err != nil {
		return 0, fmt.Errorf("locate search input: %w", err)
	}
	if sel == "" {
		return SubmitInputNotFound, nil
	}

	if err := drv.Fill(ctx, sel, value); err != nil {
		return 0, fmt.Errorf("fill search input: %w", err)
	}
	var dispatched bool
	if err := drv.Eval(ctx, dispatchScript, &dispatched); err != nil {
		return 0, fmt.Errorf("dispatch input events: %w", err)
	}

	var state string
	if err := drv.Eval(ctx, scriptClickSubmit, &state); err != nil {
		return 0, fmt.Errorf("click submit: %w", err)
	}
	switch state {
	case "disabled":
		return SubmitDisabled, nil
	case "missing":
		// Some builds submit on enter without a button; let the results
		// polling decide whether anything happened.
		o.logger.Warn("submit button not found")
	}
	return Submitted, nil
}

// pageResult mirrors the JSON shape produced by scriptCollectResults.
type pageResult struct {
	ID      string   `json:"id"`
	URL     string   `json:"url"`
	Cells   []string `json:"cells"`
	RowText string   `json:"rowText"`
}

// CollectResults polls the results view. Each pass re-resolves the entry
// check (the registry re-challenges mid-flow), then extracts rows. An
// empty view is disambiguated by body text: a no-results phrase ends the
// search, a client error triggers a bounded reload and re-submit of the
// variant, anything else is still loading.
func (o *Orchestrator) CollectResults(ctx context.Context, variant string) ([]poit.ResultRow, error) {
	drv := o.page.Driver()
	recoveries := 0
	for i := 0; i < o.cfg.ResultPolls; i++ {
		if err := drv.Sleep(ctx, o.cfg.PollDelay); err != nil {
			return nil, err
		}
		if err := o.page.ResolveBlocker(ctx); err != nil {
			return nil, err
		}

		var raw []pageResult
		if err := drv.Eval(ctx, scriptCollectResults, &raw); err != nil {
			return nil, fmt.Errorf("collect results: %w", err)
		}
		if len(raw) > 0 {
			return mapRows(raw), nil
		}

		body, err := o.page.BodyText(ctx)
		if err != nil {
			return nil, err
		}
		lower := strings.ToLower(body)
		for _, phrase := range poit.NoResultPhrases {
			if strings.Contains(lower, phrase) {
				return nil, nil
			}
		}
		if strings.Contains(body, poit.ClientErrorPhrase) && recoveries < o.cfg.ClientErrorRecoveries {
			recoveries++
			o.logger.Warn("client error in results view, reloading and resubmitting",
				zap.Int("recovery", recoveries),
			)
			if err := o.resubmit(ctx, variant); err != nil {
				return nil, err
			}
			continue
		}
		if strings.Contains(body, poit.LoadingPhrase) {
			o.logger.Debug("results view still loading", zap.Int("poll", i+1))
		}
	}
	o.logger.Debug("result polls exhausted without rows",
		zap.Int("polls", o.cfg.ResultPolls),
	)
	return nil, nil
}

// resubmit recovers from a client error rendered into the results view.
// A bare reload lands on a page with no active search, so the form is
// re-armed and the same variant submitted again before polling resumes.
func (o *Orchestrator) resubmit(ctx context.Context, variant string) error {
	if err := o.page.Reload(ctx); err != nil {
		return err
	}
	if err := o.rearm(ctx); err != nil {
		return err
	}
	if _, err := o.Submit(ctx, variant); err != nil {
		return err
	}
	return o.page.Driver().Sleep(ctx, o.cfg.PostSubmitDelay)
}

func (o *Orchestrator) rearm(ctx context.Context) error {
	if err := o.page.ResolveBlocker(ctx); err != nil {
		return err
	}
	if _, err := o.page.EnsureSearchForm(ctx); err != nil {
		return err
	}
	_, err := o.page.WaitForInputs(ctx)
	return err
}

func mapRows(raw []pageResult) []poit.ResultRow {
	rows := make([]poit.ResultRow, 0, len(raw))
	for _, item := range raw {
		row := poit.ResultRow{
			ID:      item.ID,
			URL:     item.URL,
			Cells:   item.Cells,
			RowText: item.RowText,
		}
		// Column layout: link, reporter, type, subject, publication date.
		if len(item.Cells) >= 5 {
			row.Reporter = item.Cells[1]
			row.Type = item.Cells[2]
			row.Subject = item.Cells[3]
			row.PubDate = item.Cells[4]
		} else if len(item.Cells) > 0 {
			row.Subject = strings.Join(item.Cells, " ")
		}
		rows = append(rows, row)
	}
	return rows
}

func (o *Orchestrator) emit(ctx context.Context, evt progress.Event) {
	if o.emitter == nil {
		return
	}
	o.emitter.Emit(ctx, evt)
}
