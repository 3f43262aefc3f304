package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/loopdesk/poit-crawler/internal/crawler"
	"github.com/loopdesk/poit-crawler/internal/poit"
	"github.com/loopdesk/poit-crawler/internal/progress"
	"github.com/loopdesk/poit-crawler/internal/progress/sinks"
)

const maxRecentLimit = 500

// searchStream handles POST /v1/search/stream. The run's progress events
// are streamed as server-sent events; the terminal frame carries the
// summary. Errors after the stream has started are reported as error
// events, not HTTP statuses.
func (s *Server) searchStream(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeError(w, http.StatusServiceUnavailable, "search runner not configured")
		return
	}
	req, err := decodeSearchRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	reporter := progress.NewReporter(s.logger,
		sinks.NewSSESink(w),
		sinks.NewLogSink(s.logger),
		s.promSink,
	)
	defer func() {
		if err := reporter.Close(ctx); err != nil {
			s.logger.Warn("closing progress reporter", zap.Error(err))
		}
	}()

	if _, _, err := s.runner.Run(ctx, req, reporter); err != nil {
		s.logger.Error("streamed search failed",
			zap.String("query", req.Query),
			zap.String("requestId", requestID(r.Context())),
			zap.Error(err),
		)
		if !reporter.Done() {
			// Error alone does not end the stream; a terminal complete
			// event with zero counts tells consumers the run is over.
			reporter.Emit(ctx, progress.Errorf("search failed: %v", err))
			reporter.Emit(ctx, progress.Complete("search failed", poit.Summary{}))
		}
	}
}

// search handles POST /v1/search: the same run as the stream endpoint, but
// the caller waits for the result instead of following progress.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeError(w, http.StatusServiceUnavailable, "search runner not configured")
		return
	}
	req, err := decodeSearchRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reporter := progress.NewReporter(s.logger, sinks.NewLogSink(s.logger), s.promSink)
	summary, anns, err := s.runner.Run(r.Context(), req, reporter)
	if err != nil {
		if errors.Is(err, crawler.ErrQueryTooShort) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("search failed", zap.String("query", req.Query), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "search failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"summary":       summary,
		"announcements": announcementDTOs(anns),
	})
}

// recentAnnouncements handles GET /v1/announcements?limit=.
func (s *Server) recentAnnouncements(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		s.writeError(w, http.StatusServiceUnavailable, "announcement store not configured")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	anns, err := s.reader.Recent(ctx, limit)
	if err != nil {
		s.logger.Error("listing recent announcements failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list announcements")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"announcements": renderAnnouncements(r, anns)})
}

// announcementsByOrg handles GET /v1/announcements/org/{orgNumber}.
func (s *Server) announcementsByOrg(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		s.writeError(w, http.StatusServiceUnavailable, "announcement store not configured")
		return
	}
	orgNumber := strings.TrimSpace(chi.URLParam(r, "orgNumber"))
	if len(poit.DigitsOnly(orgNumber)) < 10 {
		s.writeError(w, http.StatusBadRequest, "orgNumber must contain at least 10 digits")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	anns, err := s.reader.ListByOrgNumber(ctx, orgNumber)
	if err != nil {
		s.logger.Error("listing announcements by org failed",
			zap.String("orgNumber", orgNumber), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list announcements")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"announcements": renderAnnouncements(r, anns)})
}

// resetProxies handles POST /v1/proxy/reset: drop back to direct traffic
// and clear the blocking counters.
func (s *Server) resetProxies(w http.ResponseWriter, _ *http.Request) {
	if s.proxies == nil {
		s.writeError(w, http.StatusServiceUnavailable, "proxy pool not configured")
		return
	}
	s.proxies.Reset()
	s.writeJSON(w, http.StatusOK, map[string]any{"proxy": s.proxies.Snapshot()})
}

// status handles GET /v1/status: the proxy/blocking snapshot plus the
// CAPTCHA provider account state.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	if s.proxies != nil {
		payload["proxy"] = s.proxies.Snapshot()
	}

	captchaStatus := map[string]any{"configured": false}
	if s.balance != nil && s.balance.Configured() {
		captchaStatus["configured"] = true
		ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
		defer cancel()
		if balance, err := s.balance.Balance(ctx); err != nil {
			captchaStatus["balanceError"] = err.Error()
		} else {
			captchaStatus["balance"] = balance
		}
	}
	payload["captcha"] = captchaStatus

	s.writeJSON(w, http.StatusOK, payload)
}

func decodeSearchRequest(r *http.Request) (poit.SearchRequest, error) {
	var req poit.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return poit.SearchRequest{}, errors.New("invalid JSON")
	}
	if len([]rune(strings.TrimSpace(req.Query))) < 2 {
		return poit.SearchRequest{}, errors.New("query must be at least 2 characters")
	}
	if req.DetailLimit < 0 {
		return poit.SearchRequest{}, errors.New("detailLimit must not be negative")
	}
	return req, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxRecentLimit {
		return 0, errors.New("limit must be an integer between 1 and 500")
	}
	return limit, nil
}

// announcementDTOs keeps the JSON shape stable even when the slice is nil.
func announcementDTOs(anns []poit.Announcement) []poit.Announcement {
	if anns == nil {
		return []poit.Announcement{}
	}
	return anns
}

// renderAnnouncements applies the optional ?format=markdown presentation,
// adding a rendered markdown field per announcement.
func renderAnnouncements(r *http.Request, anns []poit.Announcement) any {
	if r.URL.Query().Get("format") != "markdown" {
		return announcementDTOs(anns)
	}
	type markdownAnnouncement struct {
		poit.Announcement
		Markdown string `json:"markdown,omitempty"`
	}
	out := make([]markdownAnnouncement, len(anns))
	for i, a := range anns {
		out[i] = markdownAnnouncement{Announcement: a, Markdown: poit.FormatMarkdown(a.FullText)}
	}
	return out
}
