// Package config loads an entityd node configuration.
//
// A configuration file is CUE. It is unified with the embedded #Config
// schema, which closes the set of fields and supplies every default, then
// validated as concrete and decoded. An empty path yields the defaults.
package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/google/uuid"
)

//go:embed schema.cue
var schemaSource string

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	SnapshotsJournal = "journal"
	SnapshotsS3      = "s3"
)

// Config is a decoded node configuration.
type Config struct {
	NodeID    string `json:"node_id"`
	Listen    string `json:"listen"`
	Advertise string `json:"advertise"`

	Shards             int      `json:"shards"`
	PassivationTimeout Duration `json:"passivation_timeout"`
	SnapshotInterval   int64    `json:"snapshot_interval"`
	Parallelism        int64    `json:"parallelism"`
	QueueSize          int      `json:"queue_size"`
	RequestTimeout     Duration `json:"request_timeout"`
	Fold               string   `json:"fold"`

	Relay     Relay     `json:"relay"`
	Storage   Storage   `json:"storage"`
	Snapshots Snapshots `json:"snapshots"`
	Placement Placement `json:"placement"`
	Log       Log       `json:"log"`
}

// Relay configures the business-logic connection.
type Relay struct {
	URL     string   `json:"url"`
	Timeout Duration `json:"timeout"`
	Buffer  int      `json:"buffer"`
}

// Storage selects the event journal.
type Storage struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	DSN    string `json:"dsn"`
}

// Snapshots selects where snapshots live.
type Snapshots struct {
	Driver string `json:"driver"`
	S3     S3     `json:"s3"`
}

// S3 configures the S3 snapshot store.
type S3 struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	PathStyle bool   `json:"path_style"`
	Prefix    string `json:"prefix"`
}

// Placement points at the ownership file.
type Placement struct {
	File string `json:"file"`
}

// Log configures logging.
type Log struct {
	Level string `json:"level"`
}

// Duration decodes a Go duration string such as "2m" or "0s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Error is a configuration error, positioned when CUE reported one.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Overrides are command-line values that win over the file.
type Overrides struct {
	NodeID string
	Listen string
	DB     string
}

// Load reads the CUE file at path. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil, "defaults")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("read config: %v", err)}
	}
	return Parse(data, path)
}

// Parse unifies src with the schema, validates and decodes it. filename is
// used in error positions.
func Parse(src []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := def.Unify(user)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, formatCUEError(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + uuid.NewString()[:8]
	}
	return &cfg, nil
}

// Apply copies non-empty overrides into c.
func (c *Config) Apply(o Overrides) {
	if o.NodeID != "" {
		c.NodeID = o.NodeID
	}
	if o.Listen != "" {
		c.Listen = o.Listen
	}
	if o.DB != "" {
		switch c.Storage.Driver {
		case DriverPostgres:
			c.Storage.DSN = o.DB
		default:
			c.Storage.Driver = DriverSQLite
			c.Storage.Path = o.DB
		}
	}
}

// Validate checks cross-field rules the schema does not express.
func (c *Config) Validate() error {
	for field, d := range map[string]Duration{
		"passivation_timeout": c.PassivationTimeout,
		"request_timeout":     c.RequestTimeout,
		"relay.timeout":       c.Relay.Timeout,
	} {
		if d.Duration < 0 {
			return &Error{Field: field, Message: "must not be negative"}
		}
	}
	if c.Relay.Timeout.Duration == 0 {
		return &Error{Field: "relay.timeout", Message: "must be positive"}
	}
	if c.Relay.URL != "" {
		u, err := url.Parse(c.Relay.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return &Error{Field: "relay.url", Message: fmt.Sprintf("%q is not a ws:// or wss:// URL", c.Relay.URL)}
		}
	}
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			return &Error{Field: "storage.path", Message: "required for sqlite"}
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return &Error{Field: "storage.dsn", Message: "required for postgres"}
		}
	}
	if c.Snapshots.Driver == SnapshotsS3 && c.Snapshots.S3.Bucket == "" {
		return &Error{Field: "snapshots.s3.bucket", Message: "required for s3 snapshots"}
	}
	return nil
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &Error{Message: err.Error()}
	}
	first := errs[0]
	out := &Error{Message: first.Error()}
	if pos := errors.Positions(first); len(pos) > 0 {
		out.Pos = pos[0]
	}
	return out
}
