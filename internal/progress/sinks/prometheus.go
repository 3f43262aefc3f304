package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loopdesk/poit-crawler/internal/poit"
	"github.com/loopdesk/poit-crawler/internal/progress"
)

// PrometheusSink exports progress stream metrics: event volume by type and
// the per-run announcement totals carried by complete events.
type PrometheusSink struct {
	events        *prometheus.CounterVec
	runsCompleted prometheus.Counter

	announcementsFound    prometheus.Counter
	announcementsSaved    prometheus.Counter
	announcementsEnriched prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_progress_events_total",
			Help: "Progress events emitted, partitioned by type.",
		}, []string{"type"}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_runs_completed_total",
			Help: "Search runs that reached the terminal complete event.",
		}),
		announcementsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_announcements_found_total",
			Help: "Announcements discovered across all runs.",
		}),
		announcementsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_announcements_saved_total",
			Help: "Announcements persisted across all runs.",
		}),
		announcementsEnriched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_announcements_enriched_total",
			Help: "Announcements saved with detail text across all runs.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.events,
		s.runsCompleted,
		s.announcementsFound,
		s.announcementsSaved,
		s.announcementsEnriched,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the event.
func (s *PrometheusSink) Consume(_ context.Context, evt progress.Event) error {
	s.events.WithLabelValues(string(evt.Type)).Inc()
	if evt.Type == progress.TypeComplete {
		s.runsCompleted.Inc()
		if summary, ok := summaryFrom(evt.Data); ok {
			s.announcementsFound.Add(float64(summary.Total))
			s.announcementsSaved.Add(float64(summary.Saved))
			s.announcementsEnriched.Add(float64(summary.WithDetails))
		}
	}
	return nil
}

func summaryFrom(data any) (poit.Summary, bool) {
	switch v := data.(type) {
	case poit.Summary:
		return v, true
	case *poit.Summary:
		if v != nil {
			return *v, true
		}
	}
	return poit.Summary{}, false
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
