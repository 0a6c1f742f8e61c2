package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"modguard.org/internal/audit"
)

var _ audit.Ledger = (*Store)(nil)

func (s *Store) Append(ctx context.Context, e audit.Entry) (uint64, error) {
	if err := audit.Validate(e); err != nil {
		return 0, err
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	var detail []byte
	if len(e.Detail) > 0 {
		var err error
		detail, err = json.Marshal(e.Detail)
		if err != nil {
			return 0, fmt.Errorf("%w: encode detail: %v", audit.ErrInvalidEntry, err)
		}
	}
	var seq uint64
	err := s.db.QueryRowContext(ctx, `
		insert into audit_entries(ts, actor_id, group_id, target_id, kind, outcome, bypass, detail)
		values ($1,$2,nullif($3,''),nullif($4,''),$5,$6,$7,$8)
		returning seq
	`, e.Time, e.ActorID, e.GroupID, e.TargetID, e.Kind, string(e.Outcome), e.Bypass, detail).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", audit.ErrUnavailable, err)
	}
	e.Seq = seq
	audit.LogEntry(e)
	return seq, nil
}

func (s *Store) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, uint64, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var (
		conds = []string{"seq > $1"}
		args  = []any{f.AfterSeq}
	)
	if f.Actor != "" {
		args = append(args, f.Actor)
		conds = append(conds, fmt.Sprintf("actor_id = $%d", len(args)))
	}
	if f.Group != "" {
		args = append(args, f.Group)
		conds = append(conds, fmt.Sprintf("group_id = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conds = append(conds, fmt.Sprintf("ts >= $%d", len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		select seq, ts, actor_id, coalesce(group_id,''), coalesce(target_id,''), kind, outcome, bypass, detail
		from audit_entries
		where %s
		order by seq asc
		limit $%d
	`, strings.Join(conds, " and "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []audit.Entry
	var last uint64
	for rows.Next() {
		var e audit.Entry
		var outcome string
		var detail sql.NullString
		if err := rows.Scan(&e.Seq, &e.Time, &e.ActorID, &e.GroupID, &e.TargetID, &e.Kind, &outcome, &e.Bypass, &detail); err != nil {
			return nil, 0, err
		}
		e.Outcome = audit.Outcome(outcome)
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, 0, err
			}
		}
		res = append(res, e)
		last = e.Seq
	}
	return res, last, rows.Err()
}
