package model

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// VersionImageMap maps an engine major version to the image that runs it.
type VersionImageMap map[int]string

// Versions returns the known major versions in ascending order.
func (m VersionImageMap) Versions() []int {
	out := make([]int, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Clone returns an independent copy of the map.
func (m VersionImageMap) Clone() VersionImageMap {
	out := make(VersionImageMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ParseImageOverride parses "14=postgis/postgis:14-3.3" into its parts.
func ParseImageOverride(s string) (int, string, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(v) == "" {
		return 0, "", fmt.Errorf("invalid image override %q, expected <version>=<image>", s)
	}
	version, err := strconv.Atoi(strings.TrimSpace(k))
	if err != nil {
		return 0, "", fmt.Errorf("invalid version in image override %q: %w", s, err)
	}
	return version, strings.TrimSpace(v), nil
}

// Endpoint addresses one database on a running engine instance.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// WithDatabase returns a copy of the endpoint pointing at another database.
func (e Endpoint) WithDatabase(name string) Endpoint {
	e.Database = name
	return e
}

// ConnString renders the endpoint as a postgres:// URL usable by both the
// SQL executor and the dump/restore tools.
func (e Endpoint) ConnString() string {
	u := url.URL{
		Scheme:   "postgresql",
		Host:     fmt.Sprintf("%s:%d", e.Host, e.Port),
		Path:     "/" + e.Database,
		RawQuery: "sslmode=disable",
	}
	if e.Password != "" {
		u.User = url.UserPassword(e.User, e.Password)
	} else if e.User != "" {
		u.User = url.User(e.User)
	}
	return u.String()
}

// Redacted is ConnString with the password masked, for logs.
func (e Endpoint) Redacted() string {
	if e.Password == "" {
		return e.ConnString()
	}
	e.Password = "xxxxx"
	return e.ConnString()
}

// Selection narrows a transfer to named schemas and/or tables. The zero value
// transfers the whole database.
type Selection struct {
	Schemas []string `json:"schemas,omitempty" yaml:"schemas,omitempty"`
	Tables  []string `json:"tables,omitempty" yaml:"tables,omitempty"`
}

// IsWhole reports whether no filter is applied.
func (s Selection) IsWhole() bool {
	return len(s.Schemas) == 0 && len(s.Tables) == 0
}

// DumpArgs renders the selection as the dump tool's filter flags.
func (s Selection) DumpArgs() []string {
	args := make([]string, 0, 2*(len(s.Schemas)+len(s.Tables)))
	for _, schema := range s.Schemas {
		args = append(args, "--schema", schema)
	}
	for _, table := range s.Tables {
		args = append(args, "--table", table)
	}
	return args
}

// UpgradeRequest is the input of one upgrade run.
type UpgradeRequest struct {
	Volume        string          `json:"volume"`
	TargetVersion int             `json:"targetVersion"`
	Databases     []string        `json:"databases"`
	Images        VersionImageMap `json:"images,omitempty"`
	Selection     Selection       `json:"selection,omitempty"`
}

// Validate checks the request shape; it does not consult the runtime.
func (r *UpgradeRequest) Validate() error {
	if strings.TrimSpace(r.Volume) == "" {
		return fmt.Errorf("volume is required")
	}
	if r.TargetVersion <= 0 {
		return fmt.Errorf("targetVersion must be positive")
	}
	if len(r.Databases) == 0 {
		return fmt.Errorf("at least one database is required")
	}
	seen := make(map[string]struct{}, len(r.Databases))
	for _, db := range r.Databases {
		if strings.TrimSpace(db) == "" {
			return fmt.Errorf("database name cannot be empty")
		}
		if _, dup := seen[db]; dup {
			return fmt.Errorf("database %s listed twice", db)
		}
		seen[db] = struct{}{}
	}
	return nil
}

// MigrationPlan is the validated, immutable description of an upgrade.
type MigrationPlan struct {
	Volume        string
	NewVolume     string
	BackupVolume  string
	SourceVersion int
	TargetVersion int
	SourceImage   string
	TargetImage   string
	Databases     []string
	Selection     Selection
}
