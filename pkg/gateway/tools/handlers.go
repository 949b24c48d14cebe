// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/snowgate/snowgate/pkg/gateway/dbops"
	"github.com/snowgate/snowgate/pkg/gateway/reqctx"
)

// ListDatabases lists every database the warehouse role can see.
func (r *Registry) ListDatabases(ctx context.Context, _ map[string]any) (string, error) {
	started := time.Now()
	res, err := dbops.Single(ctx, r.conns, "SHOW DATABASES")
	r.observe(ctx, "show", "SHOW DATABASES", started, res.RowCount(), err)
	if err != nil {
		return "", fmt.Errorf("failed to list databases: %w", err)
	}

	names := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row) > 1 {
			names = append(names, formatCell(row[1]))
		}
	}
	return "Available databases:\n" + strings.Join(names, "\n"), nil
}

// ListViews lists the views in one database schema. The database
// argument is required; without a schema the session's current schema
// is used.
func (r *Registry) ListViews(ctx context.Context, args map[string]any) (string, error) {
	database := stringArg(args, "database")
	schema := stringArg(args, "schema")
	if database == "" {
		return "", errors.New("database parameter is required")
	}
	if err := checkIdent("database", database); err != nil {
		return "", err
	}
	if schema != "" {
		if err := checkIdent("schema", schema); err != nil {
			return "", err
		}
	}
	if err := r.checkAccess(ctx, database, schema); err != nil {
		return "", err
	}

	var out string
	err := dbops.Scope(ctx, r.conns, func(ctx context.Context, t *dbops.Transactional) error {
		if err := t.UseDatabaseIsolated(ctx, database); err != nil {
			return err
		}
		if schema != "" {
			if err := t.UseSchemaIsolated(ctx, schema); err != nil {
				return err
			}
		} else {
			_, schema = t.CurrentContext()
		}

		query := fmt.Sprintf("SHOW VIEWS IN %s.%s", database, schema)
		started := time.Now()
		res, err := t.ExecuteIsolated(ctx, query)
		r.observe(ctx, "show", query, started, res.RowCount(), err)
		if err != nil {
			return err
		}

		views := make([]string, 0, len(res.Rows))
		for _, row := range res.Rows {
			if len(row) < 6 {
				continue
			}
			views = append(views, fmt.Sprintf("%s (created: %s)",
				formatCell(row[1]), formatCell(row[5])))
		}
		if len(views) == 0 {
			out = fmt.Sprintf("No views found in %s.%s", database, schema)
			return nil
		}
		out = fmt.Sprintf("Views in %s.%s:\n%s", database, schema, strings.Join(views, "\n"))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to list views: %w", err)
	}
	return out, nil
}

// DescribeView reports a view's columns and its DDL.
func (r *Registry) DescribeView(ctx context.Context, args map[string]any) (string, error) {
	database := stringArg(args, "database")
	schema := stringArg(args, "schema")
	viewName := stringArg(args, "view_name")
	if database == "" || viewName == "" {
		return "", errors.New("database and view_name parameters are required")
	}
	if err := checkIdent("database", database); err != nil {
		return "", err
	}
	if err := checkIdent("view", viewName); err != nil {
		return "", err
	}
	if schema != "" {
		if err := checkIdent("schema", schema); err != nil {
			return "", err
		}
	}
	if err := r.checkAccess(ctx, database, schema); err != nil {
		return "", err
	}

	var out string
	err := dbops.Scope(ctx, r.conns, func(ctx context.Context, t *dbops.Transactional) error {
		if err := t.UseDatabaseIsolated(ctx, database); err != nil {
			return err
		}
		if schema != "" {
			if err := t.UseSchemaIsolated(ctx, schema); err != nil {
				return err
			}
		} else {
			_, schema = t.CurrentContext()
			if schema == "" {
				return errors.New("could not determine current schema")
			}
		}
		fullName := fmt.Sprintf("%s.%s.%s", database, schema, viewName)

		query := "DESCRIBE VIEW " + fullName
		started := time.Now()
		res, err := t.ExecuteIsolated(ctx, query)
		r.observe(ctx, "describe", query, started, res.RowCount(), err)
		if err != nil {
			return err
		}
		if len(res.Rows) == 0 {
			out = fmt.Sprintf("View %s not found or you don't have permission to access it.", fullName)
			return nil
		}

		columns := make([]string, 0, len(res.Rows))
		for _, row := range res.Rows {
			if len(row) < 4 {
				continue
			}
			nullable := "NOT NULL"
			if fmt.Sprint(row[3]) == "Y" {
				nullable = "NULL"
			}
			columns = append(columns, fmt.Sprintf("%s : %s %s",
				formatCell(row[0]), formatCell(row[1]), nullable))
		}

		ddl := "Definition not available"
		ddlRes, err := t.ExecuteIsolated(ctx,
			fmt.Sprintf("SELECT GET_DDL('VIEW', '%s')", fullName))
		if err == nil && len(ddlRes.Rows) > 0 && len(ddlRes.Rows[0]) > 0 {
			ddl = fmt.Sprint(ddlRes.Rows[0][0])
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "## View: %s\n\n", fullName)
		fmt.Fprintf(&sb, "Request ID: %s\n\n", reqctx.RequestID(ctx))
		sb.WriteString("### Columns:\n")
		for _, col := range columns {
			sb.WriteString("- " + col + "\n")
		}
		sb.WriteString("\n### View Definition:\n```sql\n")
		sb.WriteString(ddl)
		sb.WriteString("\n```")
		out = sb.String()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe view: %w", err)
	}
	return out, nil
}

// QueryView samples rows from one view, capped by the limit argument.
func (r *Registry) QueryView(ctx context.Context, args map[string]any) (string, error) {
	database := stringArg(args, "database")
	schema := stringArg(args, "schema")
	viewName := stringArg(args, "view_name")
	limit := intArg(args, "limit", r.viewLimit)
	if database == "" || viewName == "" {
		return "", errors.New("database and view_name parameters are required")
	}
	if limit <= 0 {
		limit = r.viewLimit
	}
	if err := checkIdent("database", database); err != nil {
		return "", err
	}
	if err := checkIdent("view", viewName); err != nil {
		return "", err
	}
	if schema != "" {
		if err := checkIdent("schema", schema); err != nil {
			return "", err
		}
	}
	if err := r.checkAccess(ctx, database, schema); err != nil {
		return "", err
	}

	var out string
	err := dbops.Scope(ctx, r.conns, func(ctx context.Context, t *dbops.Transactional) error {
		if err := t.UseDatabaseIsolated(ctx, database); err != nil {
			return err
		}
		if schema != "" {
			if err := t.UseSchemaIsolated(ctx, schema); err != nil {
				return err
			}
		} else {
			_, schema = t.CurrentContext()
			if schema == "" {
				return errors.New("could not determine current schema")
			}
		}
		fullName := fmt.Sprintf("%s.%s.%s", database, schema, viewName)

		query := fmt.Sprintf("SELECT * FROM %s", fullName)
		started := time.Now()
		res, err := t.ExecuteLimited(ctx, query, limit)
		r.observe(ctx, "select", query, started, res.RowCount(), err)
		if err != nil {
			return err
		}
		if len(res.Rows) == 0 {
			out = fmt.Sprintf("No data found in view %s or the view is empty.", fullName)
			return nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "## Data from %s (Showing %d row%s)\n\n",
			fullName, len(res.Rows), plural(len(res.Rows)))
		fmt.Fprintf(&sb, "Request ID: %s\n\n", reqctx.RequestID(ctx))
		renderTable(&sb, res.Columns, res.Rows)
		out = sb.String()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to query view: %w", err)
	}
	return out, nil
}

// ExecuteQuery runs an arbitrary statement. The statement goes through
// the validator before a connection is acquired, so blocked statements
// never touch the pool. A LIMIT clause is appended when the statement
// has none.
func (r *Registry) ExecuteQuery(ctx context.Context, args map[string]any) (string, error) {
	query := stringArg(args, "query")
	database := stringArg(args, "database")
	schema := stringArg(args, "schema")
	limit := intArg(args, "limit", r.execLimit)
	useTransaction := boolArg(args, "use_transaction", false)
	autoCommit := boolArg(args, "auto_commit", true)
	if query == "" {
		return "", errors.New("query parameter is required")
	}
	if limit <= 0 {
		limit = r.execLimit
	}
	if database != "" {
		if err := checkIdent("database", database); err != nil {
			return "", err
		}
	}
	if schema != "" {
		if err := checkIdent("schema", schema); err != nil {
			return "", err
		}
	}

	verdict := r.guard.Validate(query)
	if err := verdict.Err(); err != nil {
		if r.metrics != nil {
			r.metrics.RecordError("validation")
		}
		return "", err
	}
	if err := r.checkAccess(ctx, database, schema); err != nil {
		return "", err
	}

	if !strings.Contains(strings.ToUpper(query), "LIMIT ") {
		query = strings.TrimRight(strings.TrimSpace(query), ";")
		query = fmt.Sprintf("%s LIMIT %d", query, limit)
	}

	var out string
	run := func(ctx context.Context, t *dbops.Transactional) error {
		if database != "" {
			if err := t.UseDatabaseIsolated(ctx, database); err != nil {
				return err
			}
		}
		if schema != "" {
			if err := t.UseSchemaIsolated(ctx, schema); err != nil {
				return err
			}
		}
		currentDB, currentSchema := t.CurrentContext()

		started := time.Now()
		var res *dbops.Result
		var err error
		if useTransaction {
			res, err = t.ExecuteWithTransaction(ctx, query, autoCommit)
		} else {
			res, err = t.ExecuteIsolated(ctx, query)
		}
		r.observe(ctx, verdict.QueryType, query, started, res.RowCount(), err)
		if err != nil {
			return err
		}
		if len(res.Rows) == 0 {
			out = "Query completed successfully but returned no results."
			return nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "## Query Results (Database: %s, Schema: %s)\n\n",
			currentDB, currentSchema)
		fmt.Fprintf(&sb, "Request ID: %s\n", reqctx.RequestID(ctx))
		if useTransaction {
			mode := "Explicit"
			if autoCommit {
				mode = "Auto-commit"
			}
			fmt.Fprintf(&sb, "Transaction Mode: %s\n", mode)
		}
		fmt.Fprintf(&sb, "Showing %d row%s\n\n", len(res.Rows), plural(len(res.Rows)))
		fmt.Fprintf(&sb, "```sql\n%s\n```\n\n", query)
		renderTable(&sb, res.Columns, res.Rows)
		out = sb.String()
		return nil
	}

	var err error
	if useTransaction {
		err = dbops.TransactionScope(ctx, r.conns, autoCommit, run)
	} else {
		err = dbops.Scope(ctx, r.conns, run)
	}
	if err != nil {
		return "", fmt.Errorf("failed to execute query: %w", err)
	}
	return out, nil
}
