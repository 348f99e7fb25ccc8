package embedded

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/recordmesh/recordmesh/internal/query"
)

// PathTable is the view name path request queries select from.
const PathTable = "__PATH__"

// taskSpec is the opaque task payload handed from the planner to a worker.
type taskSpec struct {
	SQL   string            `json:"sql"`
	Files []query.TableFile `json:"files"`
}

func encodeTask(spec taskSpec) ([]byte, error) {
	return json.Marshal(spec)
}

func decodeTask(payload []byte) (taskSpec, error) {
	var spec taskSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return taskSpec{}, fmt.Errorf("decode task: %w", err)
	}
	if strings.TrimSpace(spec.SQL) == "" {
		return taskSpec{}, fmt.Errorf("task has no query")
	}
	if len(spec.Files) == 0 {
		return taskSpec{}, fmt.Errorf("task has no files")
	}
	return spec, nil
}

func (s taskSpec) request(limit int64) query.Request {
	return query.Request{SQL: s.SQL, RowLimit: limit, Files: s.Files}
}
