package api

import (
	"context"
	"database/sql"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/geo-live/internal/db"
)

// DBHandler serves the snapshot journal.
type DBHandler struct {
	db      *sql.DB
	journal *db.Journal
}

// NewDBHandler creates a new journal handler. Both arguments may be nil when
// journaling is off.
func NewDBHandler(conn *sql.DB, journal *db.Journal) *DBHandler {
	return &DBHandler{db: conn, journal: journal}
}

// RegisterRoutes registers journal routes with Huma.
func (h *DBHandler) RegisterRoutes(api huma.API) {
	huma.Get(api, "/api/v1/history", h.History, huma.OperationTags("journal"))
	huma.Get(api, "/api/v1/tables", h.ListTables, huma.OperationTags("journal"))
	huma.Post(api, "/api/v1/query", h.Query, huma.OperationTags("journal"))
}

// HistoryInput pages the journal.
type HistoryInput struct {
	Limit int `query:"limit" minimum:"1" maximum:"1000" default:"50" doc:"Number of snapshots to return"`
}

// HistoryOutput is the response for the journal history.
type HistoryOutput struct {
	Body struct {
		Entries []db.HistoryEntry `json:"entries" doc:"Journaled snapshots, newest first"`
		Dropped int64             `json:"dropped" doc:"Snapshots not journaled because the writer fell behind"`
	}
}

// History returns the most recent journaled snapshots.
func (h *DBHandler) History(ctx context.Context, input *HistoryInput) (*HistoryOutput, error) {
	if h.journal == nil {
		return nil, huma.Error503ServiceUnavailable("Journal not available")
	}
	entries, err := h.journal.Recent(ctx, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to read journal", err)
	}
	out := &HistoryOutput{}
	out.Body.Entries = entries
	out.Body.Dropped = h.journal.Dropped()
	return out, nil
}

// TablesOutput is the response for listing tables.
type TablesOutput struct {
	Body struct {
		Tables []string `json:"tables" doc:"List of table names"`
	}
}

// ListTables returns all DuckDB tables.
func (h *DBHandler) ListTables(ctx context.Context, input *struct{}) (*TablesOutput, error) {
	if h.db == nil {
		return nil, huma.Error503ServiceUnavailable("Database not available")
	}

	rows, err := h.db.QueryContext(ctx, "SHOW TABLES")
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to list tables", err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	out := &TablesOutput{}
	out.Body.Tables = tables
	return out, nil
}

// QueryInput is the input for SQL queries.
type QueryInput struct {
	Body struct {
		Query string `json:"query" required:"true" minLength:"1" doc:"Read-only SQL query to execute" example:"SELECT name, count(*) FROM snapshot_layers GROUP BY name"`
	}
}

// QueryOutput is the response for SQL queries.
type QueryOutput struct {
	Body struct {
		Columns []string         `json:"columns" doc:"Column names"`
		Rows    []map[string]any `json:"rows" doc:"Query results"`
		Count   int              `json:"count" doc:"Number of rows returned"`
	}
}

// readOnly lists the statement keywords Query accepts.
var readOnly = []string{"select", "with", "show", "describe", "summarize", "from"}

// isReadOnly accepts a single statement starting with a read-only keyword.
func isReadOnly(q string) bool {
	q = strings.TrimRight(strings.TrimSpace(q), "; \t\n")
	if strings.Contains(q, ";") {
		return false
	}
	fields := strings.Fields(strings.ToLower(q))
	if len(fields) == 0 {
		return false
	}
	for _, kw := range readOnly {
		if fields[0] == kw {
			return true
		}
	}
	return false
}

// Query executes a read-only SQL query against the journal.
func (h *DBHandler) Query(ctx context.Context, input *QueryInput) (*QueryOutput, error) {
	if h.db == nil {
		return nil, huma.Error503ServiceUnavailable("Database not available")
	}
	if !isReadOnly(input.Body.Query) {
		return nil, huma.Error400BadRequest("Only read-only queries are allowed")
	}

	// duckdb refuses to prepare more than one statement
	stmt, err := h.db.PrepareContext(ctx, input.Body.Query)
	if err != nil {
		return nil, huma.Error400BadRequest("Query failed: " + err.Error())
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, huma.Error400BadRequest("Query failed: " + err.Error())
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to get columns", err)
	}

	results := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			continue
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, huma.Error400BadRequest("Query failed: " + err.Error())
	}

	out := &QueryOutput{}
	out.Body.Columns = columns
	out.Body.Rows = results
	out.Body.Count = len(results)
	return out, nil
}
