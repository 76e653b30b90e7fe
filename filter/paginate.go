package filter

import (
	"context"
	"strings"

	"github.com/relq/relq/dialect"
	"github.com/relq/relq/executor"
	"github.com/relq/relq/query"
	"github.com/relq/relq/relerr"
)

// Executor is the narrow slice of executor.Executor ExecutePaged needs,
// satisfied by any executor.Executor.
type Executor interface {
	ExecuteSQL(ctx context.Context, sql string, params []any) (executor.Result, error)
}

// ExecutePaged runs b twice — once wrapped in COUNT(*) for the total, once
// with LIMIT/OFFSET applied for the page slice — and assembles a PageResult.
// Page is 1-indexed; PageSize must be positive.
func ExecutePaged(ctx context.Context, exec Executor, d dialect.Dialect, b *query.SelectBuilder, req PageRequest) (*PageResult, error) {
	if req.PageSize <= 0 {
		return nil, relerr.Of(relerr.CompileFailure, "filter: page size must be positive, got %d", req.PageSize)
	}
	if req.Page <= 0 {
		req.Page = 1
	}

	total, err := countRows(ctx, exec, d, b)
	if err != nil {
		return nil, err
	}

	offset := (req.Page - 1) * req.PageSize
	page := b.Limit(req.PageSize).Offset(offset)
	res, err := page.Compile(d)
	if err != nil {
		return nil, err
	}
	result, err := exec.ExecuteSQL(ctx, res.SQL, res.Params)
	if err != nil {
		return nil, relerr.Wrap(relerr.ExecutorFailure, err, "execute paged query")
	}

	items := make([]map[string]any, len(result.Values))
	for i, row := range result.Values {
		m := make(map[string]any, len(result.Columns))
		for j, c := range result.Columns {
			if j < len(row) {
				m[c] = row[j]
			}
		}
		items[i] = m
	}

	totalPages := (total + req.PageSize - 1) / req.PageSize
	return &PageResult{
		Items:       items,
		TotalItems:  total,
		Page:        req.Page,
		PageSize:    req.PageSize,
		TotalPages:  totalPages,
		HasNextPage: req.Page < totalPages,
		HasPrevPage: req.Page > 1,
	}, nil
}

// countRows wraps b's current FROM/JOIN/WHERE as a derived table under a
// COUNT(*) to compute the total row count without the LIMIT/OFFSET applied
// to the page query, preserving whatever WHERE/JOIN predicates the caller
// already attached to b.
func countRows(ctx context.Context, exec Executor, d dialect.Dialect, b *query.SelectBuilder) (int, error) {
	sel := *b.GetAST()
	sel.OrderBy = nil
	sel.Limit = nil
	sel.Offset = nil
	sel.Meta.Hydration = nil

	res, err := dialect.New(d).CompileSelect(&sel)
	if err != nil {
		return 0, err
	}
	countSQL := "SELECT COUNT(*) AS total FROM (" + strings.TrimSuffix(strings.TrimSpace(res.SQL), ";") + ") relq_count"
	result, err := exec.ExecuteSQL(ctx, countSQL, res.Params)
	if err != nil {
		return 0, relerr.Wrap(relerr.ExecutorFailure, err, "count total rows")
	}
	if len(result.Values) == 0 || len(result.Values[0]) == 0 {
		return 0, nil
	}
	switch v := result.Values[0][0].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	default:
		return 0, relerr.Of(relerr.ExecutorFailure, "count query returned non-integer total: %T", v)
	}
}
