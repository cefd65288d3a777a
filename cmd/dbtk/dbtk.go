package main

import (
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/k0kubun/pp/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/scottrbailey/dbtk/config"
	"github.com/scottrbailey/dbtk/database"
	"github.com/scottrbailey/dbtk/database/mssql"
	"github.com/scottrbailey/dbtk/database/mysql"
	"github.com/scottrbailey/dbtk/database/postgres"
	"github.com/scottrbailey/dbtk/database/sqlite3"
	"github.com/scottrbailey/dbtk/etl"
	"github.com/scottrbailey/dbtk/readers"
	"github.com/scottrbailey/dbtk/util"
)

// version and revision are set via -ldflags
var version = "dev"
var revision = "HEAD"

type options struct {
	Config      string `short:"c" long:"config" description:"YAML job file" value-name:"jobs_yml" required:"true"`
	Concurrency int    `short:"j" long:"concurrency" description:"Max jobs to run at once; 0 runs them serially" value-name:"n"`
	DryRun      bool   `long:"dry-run" description:"Don't run jobs, just show the SQL they would execute"`
	Debug       bool   `long:"debug" description:"Dump resolved job plans and log at debug level"`
	List        bool   `long:"list" description:"List the jobs in the config file"`
	Help        bool   `long:"help" description:"Show this help"`
	Version     bool   `long:"version" description:"Show this version"`
}

func parseOptions(args []string) (*options, []string) {
	var opts options
	parser := flags.NewParser(&opts, flags.None)
	parser.Usage = "[OPTIONS] [job...]"
	args, err := parser.ParseArgs(args)
	if err != nil {
		log.Fatal(err)
	}

	if opts.Help {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if opts.Version {
		fmt.Printf("%s (%s)\n", version, revision)
		os.Exit(0)
	}
	return &opts, args
}

func main() {
	opts, jobNames := parseOptions(os.Args[1:])

	if opts.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	file, err := config.Load(opts.Config)
	if err != nil {
		log.Fatal(err)
	}

	if opts.List {
		for _, job := range file.Jobs {
			fmt.Printf("%s\t%s %s via %s\n", job.Name, job.Operation, job.Table.Name, job.Connection)
		}
		return
	}

	jobs := file.Jobs
	if len(jobNames) > 0 {
		jobs = jobs[:0:0]
		for _, name := range jobNames {
			job, err := file.Job(name)
			if err != nil {
				log.Fatal(err)
			}
			jobs = append(jobs, job)
		}
	}

	// Prompt serially before any job starts; prompts cannot interleave with
	// concurrent output.
	passwords := make(map[string]string)
	for _, job := range jobs {
		conn := file.Connections[job.Connection]
		if conn.Prompt && passwords[job.Connection] == "" {
			passwords[job.Connection] = promptPassword(job.Connection)
		}
	}

	if opts.Debug {
		for _, job := range jobs {
			pp.Println(job)
		}
	}

	_, err = util.ConcurrentMapFuncWithError(jobs, opts.Concurrency, func(job config.Job) (struct{}, error) {
		conn := file.Connections[job.Connection]
		cfg := conn.DatabaseConfig()
		if pw, ok := passwords[job.Connection]; ok && pw != "" {
			cfg.Password = pw
		}
		return struct{}{}, runJob(job, conn.Adapter, cfg, opts.DryRun)
	})
	if err != nil {
		log.Fatal(err)
	}
}

func promptPassword(connection string) string {
	fmt.Printf("Enter password for %s: ", connection)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		log.Fatal(err)
	}
	return string(pass)
}

func openDatabase(adapter string, cfg database.Config) (*database.Database, error) {
	switch adapter {
	case "mysql":
		return mysql.NewDatabase(cfg)
	case "postgres":
		return postgres.NewDatabase(cfg)
	case "sqlite3":
		return sqlite3.NewDatabase(cfg)
	case "mssql":
		return mssql.NewDatabase(cfg)
	}
	return nil, fmt.Errorf("unknown adapter %q", adapter)
}

func openSource(src config.Source) (etl.RecordSource, func() error, error) {
	var ropts []readers.Option
	if len(src.Headers) > 0 {
		ropts = append(ropts, readers.WithHeaders(src.Headers...))
	}
	if src.Skip > 0 {
		ropts = append(ropts, readers.WithSkip(src.Skip))
	}
	if src.Limit > 0 {
		ropts = append(ropts, readers.WithLimit(src.Limit))
	}
	switch src.Format {
	case "csv":
		if src.Delimiter != "" {
			ropts = append(ropts, readers.WithDelimiter([]rune(src.Delimiter)[0]))
		}
		r, err := readers.OpenCSV(src.Path, ropts...)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "json":
		r, err := readers.OpenJSON(src.Path, ropts...)
		if err != nil {
			return nil, nil, err
		}
		return r, func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown source format %q", src.Format)
}

// runJob opens its own connection and cursor so jobs stay independent when run
// concurrently.
func runJob(job config.Job, adapter string, cfg database.Config, dryRun bool) error {
	jobLog := logrus.WithField("job", job.Name)

	op, err := job.Op()
	if err != nil {
		return err
	}

	db, err := openDatabase(adapter, cfg)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	defer db.Close()

	cursor := db.Cursor()
	defer cursor.Close()

	var topts []etl.TableOption
	if len(job.Table.NullValues) > 0 {
		topts = append(topts, etl.WithNullValues(job.Table.NullValues...))
	}
	table, err := etl.NewTable(job.Table.Name, cursor, job.Table.ColumnDefs(), topts...)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	defer table.Close()

	if dryRun {
		sql, err := table.SQL(op)
		if err != nil {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
		fmt.Printf("-- %s: %s %s --\n%s;\n", job.Name, job.Operation, job.Table.Name, sql)
		return nil
	}

	src, closeSrc, err := openSource(job.Source)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	defer closeSrc()

	surge := etl.NewSurge(table)
	if job.BatchSize > 0 {
		surge.BatchSize = job.BatchSize
	}
	if surge.TxMode, err = job.TxScope(); err != nil {
		return err
	}
	if surge.OnError, err = job.ErrorPolicy(); err != nil {
		return err
	}
	surge.Progress = func(p etl.Progress) {
		if p.Done {
			return
		}
		jobLog.Debugf("%s %s: %d applied, %d errors, %d skipped",
			p.Op, job.Table.Name, p.Applied, p.Errors, p.Skipped)
	}

	var res etl.Result
	switch op {
	case etl.OpInsert:
		res, err = surge.Insert(src)
	case etl.OpUpdate:
		res, err = surge.Update(src)
	case etl.OpDelete:
		res, err = surge.Delete(src)
	case etl.OpMerge:
		res, err = surge.Merge(src)
	}
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	jobLog.Infof("%s %s: %d processed, %d applied, %d errors, %d skipped",
		job.Operation, job.Table.Name, res.Processed, res.Applied, res.Errors, res.Skipped)
	return nil
}
