package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labforge/labctl/internal/apperrors"
	"github.com/labforge/labctl/internal/mailbox"
	"github.com/labforge/labctl/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/oklog/ulid/v2"
)

// mountStatusAPI adds the read-only operator surface onto the
// mailbox's echo instance: GET /aggregates/:id and
// GET /instances/:id/log. Neither route mutates store state; both exist
// purely so an operator can inspect a booking without a database shell.
func mountStatusAPI(s *mailbox.Server, db *store.Manager) {
	aggregates := store.NewAggregateRepository()
	logs := store.NewLogRepository()

	e := s.Echo()
	e.GET("/aggregates/:id", func(c echo.Context) error {
		id, err := ulid.Parse(c.Param("id"))
		if err != nil {
			return c.NoContent(http.StatusBadRequest)
		}

		tx, err := db.Begin(context.Background())
		if err != nil {
			return c.NoContent(http.StatusInternalServerError)
		}
		defer tx.Rollback()

		agg, err := aggregates.Get(context.Background(), tx.Q(), store.AggregateKey(id))
		if err != nil {
			if apperrors.IsNotFound(err) {
				return c.NoContent(http.StatusNotFound)
			}
			return c.NoContent(http.StatusInternalServerError)
		}
		instances, err := aggregates.InstancesFor(context.Background(), tx.Q(), store.AggregateKey(id))
		if err != nil {
			return c.NoContent(http.StatusInternalServerError)
		}

		return c.JSON(http.StatusOK, aggregateView{
			ID:        agg.ID.String(),
			Lab:       agg.Lab,
			State:     string(agg.State),
			Users:     agg.Users,
			Instances: instanceSummaries(instances),
		})
	})

	e.GET("/instances/:id/log", func(c echo.Context) error {
		id, err := ulid.Parse(c.Param("id"))
		if err != nil {
			return c.NoContent(http.StatusBadRequest)
		}

		tx, err := db.Begin(context.Background())
		if err != nil {
			return c.NoContent(http.StatusInternalServerError)
		}
		defer tx.Rollback()

		events, err := logs.ForInstance(context.Background(), tx.Q(), store.InstanceKey(id))
		if err != nil {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, logEventViews(events))
	})
}

type aggregateView struct {
	ID        string            `json:"id"`
	Lab       string            `json:"lab"`
	State     string            `json:"state"`
	Users     []string          `json:"users"`
	Instances []instanceSummary `json:"instances"`
}

type instanceSummary struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
}

func instanceSummaries(instances []store.Instance) []instanceSummary {
	out := make([]instanceSummary, 0, len(instances))
	for _, inst := range instances {
		out = append(out, instanceSummary{ID: inst.ID.String(), Hostname: inst.Hostname})
	}
	return out
}

type logEventView struct {
	Time      string `json:"time"`
	Event     string `json:"event"`
	Detail    string `json:"detail,omitempty"`
	Sentiment string `json:"sentiment"`
}

func logEventViews(events []store.ProvisionLogEvent) []logEventView {
	out := make([]logEventView, 0, len(events))
	for _, ev := range events {
		out = append(out, logEventView{
			Time:  ev.Time.Format(time.RFC3339Nano),
			Event: ev.Event, Detail: ev.Detail, Sentiment: string(ev.Sentiment),
		})
	}
	return out
}
