package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/labforge/labctl/internal/apperrors"
	"github.com/oklog/ulid/v2"
)

// Filter narrows a Free/Allocated query. Only the fields relevant to
// Kind are consulted, so one struct covers every request variant
// (host-by-flavor, specific host, vlan-by-characteristics, specific
// vlan) without a type parameter.
type Filter struct {
	Lab       string
	Kind      ResourceKind
	Flavor    string      // HostByFlavor / SpecificHost (via Name)
	Name      string      // SpecificHost hostname
	VlanTag   *int        // SpecificVlan
	Public    *bool       // VlanByCharacteristics
	ExceptFor []HandleKey // exclude these handles from the candidate set
	Limit     int
}

func (f Filter) except(id HandleKey) bool {
	for _, h := range f.ExceptFor {
		if h == id {
			return true
		}
	}
	return false
}

// ResourceRepository holds the store's typed handle queries: free and
// allocated candidate sets, reverse lookups, and resource registration.
// A thin façade over direct SQL; resource-kind filtering and handle
// uniqueness are encapsulated here rather than left to callers.
type ResourceRepository struct{}

func NewResourceRepository() *ResourceRepository { return &ResourceRepository{} }

type resourceRow struct {
	HandleID   string
	Lab        string
	Kind       ResourceKind
	Name       sql.NullString
	Flavor     sql.NullString
	VlanTag    sql.NullInt64
	PublicJSON sql.NullString
	IPMIJSON   sql.NullString
	PortsJSON  sql.NullString
	VPNJSON    sql.NullString
}

const resourceColumns = "handle_id, lab, kind, name, flavor, vlan_tag, public_json, ipmi_json, ports_json, vpn_json"

func scanResourceRow(rows interface{ Scan(...any) error }) (resourceRow, error) {
	var r resourceRow
	err := rows.Scan(&r.HandleID, &r.Lab, &r.Kind, &r.Name, &r.Flavor, &r.VlanTag, &r.PublicJSON, &r.IPMIJSON, &r.PortsJSON, &r.VPNJSON)
	return r, err
}

func (r resourceRow) toHandle() (ResourceHandle, error) {
	id, err := ulid.Parse(r.HandleID)
	if err != nil {
		return ResourceHandle{}, fmt.Errorf("parsing handle id: %w", err)
	}
	h := ResourceHandle{ID: HandleKey(id), Lab: r.Lab}
	switch r.Kind {
	case KindHost:
		var ports []Port
		if r.PortsJSON.Valid && r.PortsJSON.String != "" {
			if err := json.Unmarshal([]byte(r.PortsJSON.String), &ports); err != nil {
				return ResourceHandle{}, fmt.Errorf("decoding ports: %w", err)
			}
		}
		var ipmi IPMIEndpoint
		if r.IPMIJSON.Valid && r.IPMIJSON.String != "" {
			if err := json.Unmarshal([]byte(r.IPMIJSON.String), &ipmi); err != nil {
				return ResourceHandle{}, fmt.Errorf("decoding ipmi: %w", err)
			}
		}
		h.Res = Resource{Host: &Host{
			Name:   r.Name.String,
			Flavor: r.Flavor.String,
			IPMI:   ipmi,
			Ports:  ports,
		}}
	case KindPrivateVlan, KindPublicVlan:
		v := &Vlan{Tag: int(r.VlanTag.Int64)}
		if r.PublicJSON.Valid && r.PublicJSON.String != "" {
			var pub PublicIPConfig
			if err := json.Unmarshal([]byte(r.PublicJSON.String), &pub); err != nil {
				return ResourceHandle{}, fmt.Errorf("decoding public config: %w", err)
			}
			v.Public = &pub
		}
		h.Res = Resource{Vlan: v}
	case KindVpnToken:
		var tok VpnToken
		if r.VPNJSON.Valid && r.VPNJSON.String != "" {
			if err := json.Unmarshal([]byte(r.VPNJSON.String), &tok); err != nil {
				return ResourceHandle{}, fmt.Errorf("decoding vpn token: %w", err)
			}
		}
		h.Res = Resource{VpnToken: &tok}
	}
	return h, nil
}

// AddResource creates exactly one handle tracking res. Fails with
// ErrAlreadyTracked if a handle already tracks this resource; uniqueness
// is enforced by UNIQUE(lab, kind, name) at the database level.
func (repo *ResourceRepository) AddResource(ctx context.Context, q querier, lab string, res Resource) (HandleKey, error) {
	id := NewKey()
	kind := res.Kind()
	if kind == "" {
		return HandleKey{}, apperrors.Newf(apperrors.ErrConfigurationError, "add_resource", "resource has no recognizable variant")
	}

	var name, flavor sql.NullString
	var vlanTag sql.NullInt64
	var publicJSON, ipmiJSON, portsJSON, vpnJSON sql.NullString

	switch kind {
	case KindHost:
		name = sql.NullString{String: res.Host.Name, Valid: true}
		flavor = sql.NullString{String: res.Host.Flavor, Valid: true}
		ipmiBytes, err := json.Marshal(res.Host.IPMI)
		if err != nil {
			return HandleKey{}, fmt.Errorf("encoding ipmi: %w", err)
		}
		ipmiJSON = sql.NullString{String: string(ipmiBytes), Valid: true}
		portsBytes, err := json.Marshal(res.Host.Ports)
		if err != nil {
			return HandleKey{}, fmt.Errorf("encoding ports: %w", err)
		}
		portsJSON = sql.NullString{String: string(portsBytes), Valid: true}
		name = sql.NullString{String: res.Host.Name, Valid: true}
	case KindPrivateVlan, KindPublicVlan:
		vlanTag = sql.NullInt64{Int64: int64(res.Vlan.Tag), Valid: true}
		name = sql.NullString{String: fmt.Sprintf("vlan-%d", res.Vlan.Tag), Valid: true}
		if res.Vlan.Public != nil {
			b, err := json.Marshal(res.Vlan.Public)
			if err != nil {
				return HandleKey{}, fmt.Errorf("encoding public config: %w", err)
			}
			publicJSON = sql.NullString{String: string(b), Valid: true}
		}
	case KindVpnToken:
		name = sql.NullString{String: fmt.Sprintf("vpn-%s-%s-%s", res.VpnToken.Project, res.VpnToken.User, id.String()), Valid: true}
		b, err := json.Marshal(res.VpnToken)
		if err != nil {
			return HandleKey{}, fmt.Errorf("encoding vpn token: %w", err)
		}
		vpnJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := q.ExecContext(ctx, `INSERT INTO resources (`+resourceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		id.String(), lab, kind, name, flavor, vlanTag, publicJSON, ipmiJSON, portsJSON, vpnJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return HandleKey{}, apperrors.New(apperrors.ErrAlreadyTracked, "add_resource", name.String)
		}
		return HandleKey{}, fmt.Errorf("inserting resource: %w", err)
	}
	return HandleKey(id), nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Get looks up a single handle by ID.
func (repo *ResourceRepository) Get(ctx context.Context, q querier, id HandleKey) (ResourceHandle, error) {
	row := q.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE handle_id = ?`, ulid.ULID(id).String())
	rr, err := scanResourceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ResourceHandle{}, apperrors.New(apperrors.ErrNotFound, "get_handle", id.String())
	}
	if err != nil {
		return ResourceHandle{}, fmt.Errorf("scanning resource: %w", err)
	}
	return rr.toHandle()
}

// HandleForHost reverse-looks-up the handle tracking the named host in
// lab. Fails with ErrNotFound if no handle exists for that resource.
func (repo *ResourceRepository) HandleForHost(ctx context.Context, q querier, lab, hostname string) (HandleKey, error) {
	row := q.QueryRowContext(ctx, `SELECT handle_id FROM resources WHERE lab = ? AND kind = ? AND name = ?`, lab, KindHost, hostname)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HandleKey{}, apperrors.New(apperrors.ErrNotFound, "handle_for_host", hostname)
		}
		return HandleKey{}, fmt.Errorf("looking up host handle: %w", err)
	}
	u, err := ulid.Parse(id)
	if err != nil {
		return HandleKey{}, err
	}
	return HandleKey(u), nil
}

// HandleForVlan reverse-looks-up the handle tracking the VLAN with the
// given tag in lab.
func (repo *ResourceRepository) HandleForVlan(ctx context.Context, q querier, lab string, tag int) (HandleKey, error) {
	row := q.QueryRowContext(ctx, `SELECT handle_id FROM resources WHERE lab = ? AND kind IN (?, ?) AND vlan_tag = ?`, lab, KindPrivateVlan, KindPublicVlan, tag)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HandleKey{}, apperrors.New(apperrors.ErrNotFound, "handle_for_vlan", fmt.Sprintf("tag=%d", tag))
		}
		return HandleKey{}, fmt.Errorf("looking up vlan handle: %w", err)
	}
	u, err := ulid.Parse(id)
	if err != nil {
		return HandleKey{}, err
	}
	return HandleKey(u), nil
}

// KindAnyVlan is a pseudo-kind used only in Filter: it matches both
// KindPrivateVlan and KindPublicVlan rows, for SpecificVlan requests
// that identify a VLAN by tag alone, before its public/private
// character is known to the caller.
const KindAnyVlan ResourceKind = "vlan_any"

func (f Filter) buildWhere() (string, []any) {
	var conds []string
	var args []any

	if f.Kind == KindAnyVlan {
		conds = []string{"r.lab = ?", "r.kind IN (?, ?)"}
		args = []any{f.Lab, KindPrivateVlan, KindPublicVlan}
	} else {
		conds = []string{"r.lab = ?", "r.kind = ?"}
		args = []any{f.Lab, f.Kind}
	}

	switch f.Kind {
	case KindHost:
		if f.Flavor != "" {
			conds = append(conds, "r.flavor = ?")
			args = append(args, f.Flavor)
		}
		if f.Name != "" {
			conds = append(conds, "r.name = ?")
			args = append(args, f.Name)
		}
	case KindPrivateVlan, KindPublicVlan, KindAnyVlan:
		if f.VlanTag != nil {
			conds = append(conds, "r.vlan_tag = ?")
			args = append(args, *f.VlanTag)
		}
		if f.Public != nil {
			if *f.Public {
				conds = append(conds, "r.public_json IS NOT NULL")
			} else {
				conds = append(conds, "r.public_json IS NULL")
			}
		}
	}
	return strings.Join(conds, " AND "), args
}

// Free returns handles matching f that carry no live allocation.
func (repo *ResourceRepository) Free(ctx context.Context, q querier, f Filter) ([]ResourceHandle, error) {
	return repo.query(ctx, q, f, false)
}

// Allocated returns handles matching f with a live allocation.
func (repo *ResourceRepository) Allocated(ctx context.Context, q querier, f Filter) ([]ResourceHandle, error) {
	return repo.query(ctx, q, f, true)
}

func (repo *ResourceRepository) query(ctx context.Context, q querier, f Filter, wantAllocated bool) ([]ResourceHandle, error) {
	where, args := f.buildWhere()
	join := "LEFT JOIN allocations a ON a.for_resource = r.handle_id AND a.ended IS NULL"
	liveCond := "a.id IS NULL"
	if wantAllocated {
		liveCond = "a.id IS NOT NULL"
	}
	query := fmt.Sprintf(`SELECT %s FROM resources r %s WHERE %s AND %s`,
		prefixColumns(resourceColumns, "r"), join, where, liveCond)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit*4) // over-fetch to allow in-process except_for filtering
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying resources: %w", err)
	}
	defer rows.Close()

	var out []ResourceHandle
	for rows.Next() {
		rr, err := scanResourceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning resource row: %w", err)
		}
		h, err := rr.toHandle()
		if err != nil {
			return nil, err
		}
		if f.except(h.ID) {
			continue
		}
		out = append(out, h)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, rows.Err()
}

func prefixColumns(cols, alias string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
