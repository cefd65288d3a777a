// Package config loads YAML job files: named connections, table and column
// definitions with transform shorthands, and the list of jobs to run.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/scottrbailey/dbtk/database"
	"github.com/scottrbailey/dbtk/etl"
)

// Connection is one named database target.
type Connection struct {
	Adapter  string `yaml:"adapter"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// PasswordEnv names an environment variable that overrides Password.
	PasswordEnv string `yaml:"password_env"`
	// Prompt forces an interactive password prompt.
	Prompt   bool   `yaml:"password_prompt"`
	Database string `yaml:"database"`
	Socket   string `yaml:"socket"`
	SslMode  string `yaml:"ssl_mode"`
	SslCa    string `yaml:"ssl_ca"`
}

// Source describes where a job's records come from.
type Source struct {
	Format    string   `yaml:"format"`
	Path      string   `yaml:"path"`
	Delimiter string   `yaml:"delimiter"`
	Headers   []string `yaml:"headers"`
	Skip      int      `yaml:"skip"`
	Limit     int      `yaml:"limit"`
}

// Column is the YAML shape of a column definition.
type Column struct {
	Name        string   `yaml:"name"`
	Field       string   `yaml:"field"`
	Fields      []string `yaml:"fields"`
	WholeRecord bool     `yaml:"whole_record"`
	Default     any      `yaml:"default"`
	Transforms  []string `yaml:"transforms"`
	DBExpr      string   `yaml:"db_expr"`
	Key         bool     `yaml:"key"`
	Required    bool     `yaml:"required"`
	NoUpdate    bool     `yaml:"no_update"`
}

// Table is the YAML shape of a target table.
type Table struct {
	Name       string   `yaml:"name"`
	NullValues []string `yaml:"null_values"`
	Columns    []Column `yaml:"columns"`
}

// Job binds a source to a table operation over one connection.
type Job struct {
	Name       string `yaml:"name"`
	Connection string `yaml:"connection"`
	Source     Source `yaml:"source"`
	Table      Table  `yaml:"table"`
	Operation  string `yaml:"operation"`
	BatchSize  int    `yaml:"batch_size"`
	TxMode     string `yaml:"tx_mode"`
	OnError    string `yaml:"on_error"`
}

// File is a fully parsed job configuration.
type File struct {
	Connections map[string]Connection `yaml:"connections"`
	Jobs        []Job                 `yaml:"jobs"`
}

var adapters = map[string]bool{
	"mysql":    true,
	"postgres": true,
	"sqlite3":  true,
	"mssql":    true,
}

// Load reads and validates a job file. Unknown YAML keys are errors.
func Load(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

// Parse validates raw YAML job configuration.
func Parse(buf []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalStrict(buf, &f); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	for name, conn := range f.Connections {
		if !adapters[conn.Adapter] {
			return fmt.Errorf("config: connection %q: unknown adapter %q", name, conn.Adapter)
		}
	}
	if len(f.Jobs) == 0 {
		return fmt.Errorf("config: no jobs defined")
	}
	seen := make(map[string]bool, len(f.Jobs))
	for i, job := range f.Jobs {
		if job.Name == "" {
			return fmt.Errorf("config: job %d has no name", i+1)
		}
		if seen[job.Name] {
			return fmt.Errorf("config: duplicate job name %q", job.Name)
		}
		seen[job.Name] = true
		if _, ok := f.Connections[job.Connection]; !ok {
			return fmt.Errorf("config: job %q: unknown connection %q", job.Name, job.Connection)
		}
		if _, err := job.Op(); err != nil {
			return err
		}
		if _, err := job.TxScope(); err != nil {
			return err
		}
		if _, err := job.ErrorPolicy(); err != nil {
			return err
		}
		switch job.Source.Format {
		case "csv", "json":
		default:
			return fmt.Errorf("config: job %q: unknown source format %q", job.Name, job.Source.Format)
		}
		if job.Source.Path == "" {
			return fmt.Errorf("config: job %q: source has no path", job.Name)
		}
		if job.Table.Name == "" {
			return fmt.Errorf("config: job %q: table has no name", job.Name)
		}
		if len(job.Table.Columns) == 0 {
			return fmt.Errorf("config: job %q: table %s has no columns", job.Name, job.Table.Name)
		}
	}
	return nil
}

// Job returns the named job.
func (f *File) Job(name string) (Job, error) {
	for _, job := range f.Jobs {
		if job.Name == name {
			return job, nil
		}
	}
	return Job{}, fmt.Errorf("config: no job named %q", name)
}

var defaultPorts = map[string]int{
	"mysql":    3306,
	"postgres": 5432,
	"mssql":    1433,
}

// DatabaseConfig resolves a connection to driver settings. The password
// environment variable, when set and present, wins over the inline password.
func (c Connection) DatabaseConfig() database.Config {
	password := c.Password
	if c.PasswordEnv != "" {
		if env, ok := os.LookupEnv(c.PasswordEnv); ok {
			password = env
		}
	}
	host := c.Host
	if host == "" && c.Socket == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = defaultPorts[c.Adapter]
	}
	return database.Config{
		DbName:   c.Database,
		User:     c.User,
		Password: password,
		Host:     host,
		Port:     port,
		Socket:   c.Socket,
		SslMode:  c.SslMode,
		SslCa:    c.SslCa,
	}
}

// Op maps the operation name to its DML operation.
func (j Job) Op() (etl.Op, error) {
	switch strings.ToLower(j.Operation) {
	case "insert":
		return etl.OpInsert, nil
	case "update":
		return etl.OpUpdate, nil
	case "delete":
		return etl.OpDelete, nil
	case "merge":
		return etl.OpMerge, nil
	}
	return 0, fmt.Errorf("config: job %q: unknown operation %q", j.Name, j.Operation)
}

// TxScope maps the tx_mode name to a transaction scope. Empty means
// autocommit.
func (j Job) TxScope() (etl.TxMode, error) {
	switch strings.ToLower(j.TxMode) {
	case "", "none":
		return etl.TxNone, nil
	case "run":
		return etl.TxPerRun, nil
	case "batch":
		return etl.TxPerBatch, nil
	}
	return 0, fmt.Errorf("config: job %q: unknown tx_mode %q", j.Name, j.TxMode)
}

// ErrorPolicy maps the on_error name to a policy. Empty means abort.
func (j Job) ErrorPolicy() (etl.ErrorPolicy, error) {
	switch strings.ToLower(j.OnError) {
	case "", "abort":
		return etl.AbortOnError, nil
	case "continue":
		return etl.ContinueOnError, nil
	}
	return 0, fmt.Errorf("config: job %q: unknown on_error %q", j.Name, j.OnError)
}

// ColumnDefs converts the YAML columns to compiled column inputs. String
// transforms stay strings; they compile against the job's cursor.
func (t Table) ColumnDefs() []etl.ColumnDef {
	defs := make([]etl.ColumnDef, len(t.Columns))
	for i, col := range t.Columns {
		transforms := make([]any, len(col.Transforms))
		for j, spec := range col.Transforms {
			transforms[j] = spec
		}
		defs[i] = etl.ColumnDef{
			Name:        col.Name,
			Field:       col.Field,
			Fields:      col.Fields,
			WholeRecord: col.WholeRecord,
			Default:     col.Default,
			Transforms:  transforms,
			DBExpr:      col.DBExpr,
			Key:         col.Key,
			Required:    col.Required,
			NoUpdate:    col.NoUpdate,
		}
	}
	return defs
}
