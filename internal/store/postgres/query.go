package postgres

import (
	"fmt"

	"github.com/alanyoungcy/bidwatch/internal/domain"
)

// maxPageSize caps list queries regardless of the requested limit.
const maxPageSize = 500

// pagedQuery accumulates positional arguments for a list query.
type pagedQuery struct {
	sql  string
	args []any
}

func newPagedQuery(base string, args ...any) *pagedQuery {
	return &pagedQuery{sql: base, args: args}
}

func (q *pagedQuery) next(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

// where appends "AND <cond><placeholder>".
func (q *pagedQuery) where(cond string, v any) {
	q.sql += " AND " + cond + q.next(v)
}

func (q *pagedQuery) orderBy(clause string) {
	q.sql += " ORDER BY " + clause
}

func (q *pagedQuery) page(opts domain.ListOpts) {
	limit := opts.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	q.sql += " LIMIT " + q.next(limit)
	if opts.Offset > 0 {
		q.sql += " OFFSET " + q.next(opts.Offset)
	}
}
