package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recordmesh/recordmesh/internal/query"
	"github.com/recordmesh/recordmesh/internal/storage"
	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

const defaultTokenTTL = 24 * time.Hour

var countStarPattern = regexp.MustCompile(`(?i)^\s*select\s+count\(\s*\*\s*\)\s+from\s+[^\s;]+\s*;?\s*$`)

type PlannerConfig struct {
	Store storage.ObjectStore
	// Bucket is the only bucket path requests may name.
	Bucket   string
	Engine   query.Engine
	Tables   map[string]string
	Hosts    []recordservice.NetworkAddress
	Tokens   TokenStore
	TokenTTL time.Duration
	Logger   *slog.Logger
}

// Planner plans requests against parquet objects in an object store. Path
// requests get one task per data file; SQL requests get a single task over
// the registered tables they mention.
type Planner struct {
	cfg    PlannerConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("query engine is required")
	}
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("at least one worker host is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Planner{cfg: cfg, logger: logger, now: time.Now}, nil
}

func (p *Planner) GetProtocolVersion(context.Context) (recordservice.ProtocolVersion, error) {
	return recordservice.ProtocolV1, nil
}

func (p *Planner) PlanRequest(ctx context.Context, params recordservice.PlanRequestParams) (recordservice.PlanResult, error) {
	specs, schema, err := p.plan(ctx, params)
	if err != nil {
		return recordservice.PlanResult{}, err
	}
	tasks := make([]recordservice.Task, 0, len(specs))
	for i, spec := range specs {
		payload, err := encodeTask(spec)
		if err != nil {
			return recordservice.PlanResult{}, internalError("could not encode task", err)
		}
		tasks = append(tasks, recordservice.Task{
			ID:      uuid.NewString(),
			Hosts:   p.hostsFor(i),
			Payload: payload,
		})
	}
	p.logger.InfoContext(ctx, "plan_request",
		slog.String("request_type", params.RequestType.String()),
		slog.String("user", params.User),
		slog.Int("tasks", len(tasks)),
	)
	return recordservice.PlanResult{Tasks: tasks, Schema: schema}, nil
}

func (p *Planner) GetSchema(ctx context.Context, params recordservice.PlanRequestParams) (recordservice.Schema, error) {
	_, schema, err := p.plan(ctx, params)
	return schema, err
}

func (p *Planner) GetDelegationToken(ctx context.Context, user, renewer string) (recordservice.DelegationToken, error) {
	if p.cfg.Tokens == nil {
		return nil, invalidRequest("delegation tokens are not enabled", "")
	}
	if strings.TrimSpace(user) == "" {
		return nil, &recordservice.ServiceError{Code: recordservice.ErrCodeAuthentication, Message: "user is required"}
	}
	token, err := p.cfg.Tokens.Issue(ctx, user, renewer, p.now().Add(p.cfg.TokenTTL))
	if err != nil {
		return nil, internalError("could not issue delegation token", err)
	}
	return token, nil
}

func (p *Planner) CancelDelegationToken(ctx context.Context, token recordservice.DelegationToken) error {
	if p.cfg.Tokens == nil {
		return invalidRequest("delegation tokens are not enabled", "")
	}
	return tokenError(p.cfg.Tokens.Cancel(ctx, token))
}

func (p *Planner) RenewDelegationToken(ctx context.Context, token recordservice.DelegationToken) error {
	if p.cfg.Tokens == nil {
		return invalidRequest("delegation tokens are not enabled", "")
	}
	return tokenError(p.cfg.Tokens.Renew(ctx, token, p.now().Add(p.cfg.TokenTTL)))
}

func (p *Planner) plan(ctx context.Context, params recordservice.PlanRequestParams) ([]taskSpec, recordservice.Schema, error) {
	var specs []taskSpec
	var err error
	switch params.RequestType {
	case recordservice.RequestSQL:
		specs, err = p.planSQL(ctx, params.SQLStmt)
	case recordservice.RequestPath:
		if params.Path == nil {
			return nil, recordservice.Schema{}, invalidRequest("path request has no path", "")
		}
		specs, err = p.planPath(ctx, *params.Path)
	default:
		return nil, recordservice.Schema{}, invalidRequest("unsupported request type", params.RequestType.String())
	}
	if err != nil {
		return nil, recordservice.Schema{}, err
	}

	schema, err := p.cfg.Engine.Describe(ctx, specs[0].request(0))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, recordservice.Schema{}, ctxErr
		}
		return nil, recordservice.Schema{}, invalidRequest("could not analyze request", err.Error())
	}
	schema.IsCountStar = countStarPattern.MatchString(specs[0].SQL)
	return specs, schema, nil
}

func (p *Planner) planSQL(ctx context.Context, stmt string) ([]taskSpec, error) {
	if strings.TrimSpace(stmt) == "" {
		return nil, invalidRequest("sql statement is required", "")
	}
	var files []query.TableFile
	for _, name := range p.referencedTables(stmt) {
		objects, err := p.dataFiles(ctx, p.cfg.Tables[name])
		if err != nil {
			return nil, err
		}
		if len(objects) == 0 {
			return nil, invalidRequest("table has no data files", name)
		}
		for _, obj := range objects {
			files = append(files, query.TableFile{TableName: name, ObjectPath: obj.Key, FileSizeBytes: obj.Size})
		}
	}
	if len(files) == 0 {
		return nil, invalidRequest("statement does not reference a known table", stmt)
	}
	return []taskSpec{{SQL: stmt, Files: files}}, nil
}

func (p *Planner) planPath(ctx context.Context, path recordservice.PathRequest) ([]taskSpec, error) {
	loc, err := storage.ParseLocation(path.URI)
	if err != nil {
		return nil, invalidRequest("invalid path", err.Error())
	}
	if loc.Bucket != "" && p.cfg.Bucket != "" && loc.Bucket != p.cfg.Bucket {
		return nil, invalidRequest("path is outside the configured bucket", path.URI)
	}
	stmt := path.Query
	if strings.TrimSpace(stmt) == "" {
		stmt = "SELECT * FROM " + PathTable
	}
	if !strings.Contains(strings.ToUpper(stmt), PathTable) {
		return nil, invalidRequest("path query must select from "+PathTable, stmt)
	}

	objects, err := p.dataFiles(ctx, loc.Prefix)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 && loc.Prefix != "" && storage.IsDataFile(loc.Prefix) {
		info, err := p.cfg.Store.Stat(ctx, loc.Prefix)
		switch {
		case err == nil:
			objects = append(objects, info)
		case !errors.Is(err, storage.ErrObjectNotFound):
			return nil, internalError("could not stat path", err)
		}
	}
	if len(objects) == 0 {
		return nil, invalidRequest("path contains no data files", path.URI)
	}

	specs := make([]taskSpec, 0, len(objects))
	for _, obj := range objects {
		specs = append(specs, taskSpec{
			SQL:   stmt,
			Files: []query.TableFile{{TableName: PathTable, ObjectPath: obj.Key, FileSizeBytes: obj.Size}},
		})
	}
	return specs, nil
}

func (p *Planner) dataFiles(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	objects, err := p.cfg.Store.List(ctx, prefix)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, internalError("could not list objects", err)
	}
	out := objects[:0]
	for _, obj := range objects {
		if storage.IsDataFile(obj.Key) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (p *Planner) referencedTables(stmt string) []string {
	names := make([]string, 0, len(p.cfg.Tables))
	for name := range p.cfg.Tables {
		pattern := `(?i)(^|[^A-Za-z0-9_])` + regexp.QuoteMeta(name) + `($|[^A-Za-z0-9_])`
		if regexp.MustCompile(pattern).MatchString(stmt) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// hostsFor rotates the worker list so each task prefers a different host.
func (p *Planner) hostsFor(i int) []recordservice.NetworkAddress {
	n := len(p.cfg.Hosts)
	hosts := make([]recordservice.NetworkAddress, 0, n)
	for k := 0; k < n; k++ {
		hosts = append(hosts, p.cfg.Hosts[(i+k)%n])
	}
	return hosts
}

func invalidRequest(msg, detail string) error {
	return &recordservice.ServiceError{Code: recordservice.ErrCodeInvalidRequest, Message: msg, Detail: detail}
}

func internalError(msg string, err error) error {
	return &recordservice.ServiceError{Code: recordservice.ErrCodeInternal, Message: msg, Detail: err.Error()}
}

func tokenError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTokenNotFound):
		return &recordservice.ServiceError{Code: recordservice.ErrCodeAuthentication, Message: "invalid delegation token"}
	default:
		return internalError("delegation token operation failed", err)
	}
}
