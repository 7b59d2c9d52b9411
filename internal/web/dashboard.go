package web

import (
	"net/http"
	"sort"
	"time"

	"github.com/nugget/reddit-agent/internal/buildinfo"
	"github.com/nugget/reddit-agent/internal/calllog"
	"github.com/nugget/reddit-agent/internal/connwatch"
)

// DashboardData is the template context for the overview page.
type DashboardData struct {
	PageData
	Health         *connwatch.Status
	Build          map[string]string
	Uptime         time.Duration
	CallLogEnabled bool
	Calls          []calllog.Record
	Operations     []operationRow
}

type operationRow struct {
	Operation string
	calllog.Summary
}

func (s *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := DashboardData{
		PageData: PageData{ActiveNav: "overview"},
		Build:    buildinfo.Info(),
		Uptime:   buildinfo.Uptime(),
	}

	if s.healthFunc != nil {
		st := s.healthFunc()
		data.Health = &st
	}

	if s.calls != nil {
		data.CallLogEnabled = true
		ctx := r.Context()

		recs, err := s.calls.Recent(ctx, 25)
		if err != nil {
			s.logger.Warn("recent calls query failed", "error", err)
			data.Error = "call log unavailable"
		}
		data.Calls = recs

		now := time.Now()
		sums, err := s.calls.SummaryByOperation(ctx, now.Add(-24*time.Hour), now.Add(time.Second))
		if err != nil {
			s.logger.Warn("call summary query failed", "error", err)
			data.Error = "call log unavailable"
		}
		for op, sum := range sums {
			data.Operations = append(data.Operations, operationRow{Operation: op, Summary: *sum})
		}
		sort.Slice(data.Operations, func(i, j int) bool {
			return data.Operations[i].Operation < data.Operations[j].Operation
		})
	}

	s.render(w, r, "dashboard.html", data)
}
