package recordservice

import (
	"fmt"
	"strings"
)

type RequestType uint8

const (
	RequestSQL RequestType = iota + 1
	RequestPath
)

func (t RequestType) String() string {
	switch t {
	case RequestSQL:
		return "SQL"
	case RequestPath:
		return "PATH"
	default:
		return fmt.Sprintf("RequestType(%d)", uint8(t))
	}
}

func (t RequestType) MarshalText() ([]byte, error) {
	switch t {
	case RequestSQL, RequestPath:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("unknown request type %d", uint8(t))
	}
}

func (t *RequestType) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "SQL":
		*t = RequestSQL
	case "PATH":
		*t = RequestPath
	default:
		return fmt.Errorf("unknown request type %q", string(text))
	}
	return nil
}

// PathRequest scans the data files under URI. Query, when set, is a SQL
// statement that refers to the scanned data as __PATH__.
type PathRequest struct {
	URI   string
	Query string
}

// Request describes what to read. Table and projection requests are
// normalized into SQL at construction time, so a Request is always either a
// SQL statement or a path scan. Requests are comparable values and can be
// reused across planning calls.
type Request struct {
	kind RequestType
	sql  string
	path PathRequest
}

// NewSQLRequest returns a request for an arbitrary SQL statement. The
// statement is not validated here; the planner reports malformed SQL.
func NewSQLRequest(sql string) Request {
	return Request{kind: RequestSQL, sql: sql}
}

// NewTableScanRequest reads every column of table.
func NewTableScanRequest(table string) Request {
	return NewSQLRequest("SELECT * FROM " + table)
}

// NewProjectionRequest reads cols of table in order. An empty projection
// counts the rows of the table instead and yields a single BIGINT.
func NewProjectionRequest(table string, cols []string) Request {
	if len(cols) == 0 {
		return NewSQLRequest("SELECT count(*) FROM " + table)
	}
	return NewSQLRequest("SELECT " + strings.Join(cols, ", ") + " FROM " + table)
}

// NewPathRequest scans all data files under uri.
func NewPathRequest(uri string) Request {
	return Request{kind: RequestPath, path: PathRequest{URI: uri}}
}

// NewPathRequestWithQuery scans the data files under uri through query.
func NewPathRequestWithQuery(uri, query string) Request {
	return Request{kind: RequestPath, path: PathRequest{URI: uri, Query: query}}
}

func (r Request) Type() RequestType { return r.kind }

// SQL returns the normalized statement of a SQL request and "" otherwise.
func (r Request) SQL() string { return r.sql }

// Path returns the path descriptor of a path request.
func (r Request) Path() (PathRequest, bool) {
	if r.kind != RequestPath {
		return PathRequest{}, false
	}
	return r.path, true
}

func (r Request) IsZero() bool { return r.kind == 0 }

func (r Request) String() string {
	switch r.kind {
	case RequestSQL:
		return fmt.Sprintf("SQL(%s)", r.sql)
	case RequestPath:
		if r.path.Query == "" {
			return fmt.Sprintf("PATH(%s)", r.path.URI)
		}
		return fmt.Sprintf("PATH(%s, %s)", r.path.URI, r.path.Query)
	default:
		return "EMPTY"
	}
}

// params builds the wire parameters sent to the planner.
func (r Request) params(version ProtocolVersion) PlanRequestParams {
	p := PlanRequestParams{
		ClientVersion: version,
		RequestType:   r.kind,
		SQLStmt:       r.sql,
	}
	if r.kind == RequestPath {
		path := r.path
		p.Path = &path
	}
	return p
}
