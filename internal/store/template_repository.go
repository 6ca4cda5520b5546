package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/labforge/labctl/internal/apperrors"
	"github.com/oklog/ulid/v2"
)

// TemplateRepository persists reusable topology definitions.
type TemplateRepository struct{}

func NewTemplateRepository() *TemplateRepository { return &TemplateRepository{} }

func (repo *TemplateRepository) Create(ctx context.Context, q querier, t Template) (TemplateKey, error) {
	if t.ID.IsZero() {
		t.ID = TemplateKey(NewKey())
	}
	networks, err := json.Marshal(t.Networks)
	if err != nil {
		return TemplateKey{}, err
	}
	hosts, err := json.Marshal(t.Hosts)
	if err != nil {
		return TemplateKey{}, err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO templates (id, name, public, lab, networks_json, hosts_json)
		VALUES (?,?,?,?,?,?)`, ulid.ULID(t.ID).String(), t.Name, t.Public, t.Lab, string(networks), string(hosts))
	if err != nil {
		return TemplateKey{}, fmt.Errorf("inserting template: %w", err)
	}
	return t.ID, nil
}

func (repo *TemplateRepository) Get(ctx context.Context, q querier, id TemplateKey) (Template, error) {
	row := q.QueryRowContext(ctx, `SELECT id, name, public, lab, networks_json, hosts_json FROM templates WHERE id = ?`, ulid.ULID(id).String())
	var (
		idStr, name, lab, networksJSON, hostsJSON string
		public                                    bool
	)
	if err := row.Scan(&idStr, &name, &public, &lab, &networksJSON, &hostsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Template{}, apperrors.New(apperrors.ErrNotFound, "get_template", id.String())
		}
		return Template{}, fmt.Errorf("scanning template: %w", err)
	}
	idU, err := ulid.Parse(idStr)
	if err != nil {
		return Template{}, err
	}
	t := Template{ID: TemplateKey(idU), Name: name, Public: public, Lab: lab}
	if err := json.Unmarshal([]byte(networksJSON), &t.Networks); err != nil {
		return Template{}, err
	}
	if err := json.Unmarshal([]byte(hostsJSON), &t.Hosts); err != nil {
		return Template{}, err
	}
	return t, nil
}

// LogRepository persists the append-only ProvisionLogEvent stream:
// events are never mutated, never deleted.
type LogRepository struct{}

func NewLogRepository() *LogRepository { return &LogRepository{} }

// Append writes one event. There is deliberately no Update or Delete
// method on this repository.
func (repo *LogRepository) Append(ctx context.Context, q querier, ev ProvisionLogEvent) error {
	if (ev.ID == ulid.ULID{}) {
		ev.ID = NewKey()
	}
	_, err := q.ExecContext(ctx, `INSERT INTO provision_log_events (id, instance_id, time, event, detail, sentiment)
		VALUES (?,?,?,?,?,?)`,
		ev.ID.String(), ulid.ULID(ev.Instance).String(), ev.Time.Format(time.RFC3339Nano), ev.Event, ev.Detail, ev.Sentiment)
	if err != nil {
		return fmt.Errorf("appending log event: %w", err)
	}
	return nil
}

// ForInstance returns every event for an instance, oldest first.
func (repo *LogRepository) ForInstance(ctx context.Context, q querier, inst InstanceKey) ([]ProvisionLogEvent, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, instance_id, time, event, detail, sentiment
		FROM provision_log_events WHERE instance_id = ? ORDER BY time ASC, rowid ASC`, ulid.ULID(inst).String())
	if err != nil {
		return nil, fmt.Errorf("querying log events: %w", err)
	}
	defer rows.Close()

	var out []ProvisionLogEvent
	for rows.Next() {
		var idStr, instStr, timeStr, event, detail string
		var sentiment Sentiment
		if err := rows.Scan(&idStr, &instStr, &timeStr, &event, &detail, &sentiment); err != nil {
			return nil, err
		}
		idU, err := ulid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		instU, err := ulid.Parse(instStr)
		if err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("parsing log event time: %w", err)
		}
		out = append(out, ProvisionLogEvent{
			ID: idU, Instance: InstanceKey(instU), Time: t, Event: event, Detail: detail, Sentiment: sentiment,
		})
	}
	return out, rows.Err()
}
