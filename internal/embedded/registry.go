package embedded

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

// ParseTables parses "name=prefix,name2=prefix2" into a table registry.
// Names are matched case-insensitively and stored lower case.
func ParseTables(raw string) (map[string]string, error) {
	tables := map[string]string{}
	for _, entry := range splitList(raw) {
		name, prefix, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		prefix = strings.Trim(strings.TrimSpace(prefix), "/")
		if !ok || name == "" || prefix == "" {
			return nil, fmt.Errorf("invalid table entry %q, want name=prefix", entry)
		}
		if strings.EqualFold(name, PathTable) {
			return nil, fmt.Errorf("table name %q is reserved", name)
		}
		if _, dup := tables[name]; dup {
			return nil, fmt.Errorf("duplicate table %q", name)
		}
		tables[name] = prefix
	}
	return tables, nil
}

// ParseHosts parses a comma separated list of host:port worker addresses.
func ParseHosts(raw string) ([]recordservice.NetworkAddress, error) {
	var hosts []recordservice.NetworkAddress
	for _, entry := range splitList(raw) {
		host, portText, err := net.SplitHostPort(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid worker host %q: %w", entry, err)
		}
		port, err := strconv.Atoi(portText)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid worker port in %q", entry)
		}
		hosts = append(hosts, recordservice.NetworkAddress{Hostname: host, Port: port})
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("at least one worker host is required")
	}
	return hosts, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
