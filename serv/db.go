package serv

import (
	"context"
	"fmt"
	"strings"

	"github.com/dosco/docbridge/core"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Open connects a docbridge client using conf. A nil logger is replaced by
// one built from the log settings in conf.
func Open(ctx context.Context, conf *Config, log *zap.Logger) (*core.Client, error) {
	if log == nil {
		var err error
		if log, err = NewLogger(conf.ShouldUseJSONLogs(), conf.LogLevel); err != nil {
			return nil, err
		}
	}

	detectDBType(conf)

	uri, err := conf.URI()
	if err != nil {
		return nil, err
	}

	if conf.DB.Type == core.BackendPostgres {
		if err := checkPostgres(uri); err != nil {
			return nil, err
		}
	}

	opts := []core.Option{core.OptionSetLogger(log.Named(conf.AppName))}
	if conf.DB.DBName != "" && conf.Core.Database == "" {
		opts = append(opts, core.OptionSetDatabase(conf.DB.DBName))
	}

	c, err := core.ConnectWithOptions(ctx, uri, conf.Core, opts...)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	return c, nil
}

// detectDBType sets the database type from the connection string scheme.
func detectDBType(conf *Config) {
	cs := conf.DB.ConnString
	switch {
	case cs == "":
		return
	case strings.HasPrefix(cs, "postgres://"), strings.HasPrefix(cs, "postgresql://"):
		conf.DB.Type = core.BackendPostgres
	case strings.HasPrefix(cs, "sqlite:"):
		conf.DB.Type = core.BackendSQLite
	case strings.HasPrefix(cs, "mongodb://"), strings.HasPrefix(cs, "mongodb+srv://"):
		conf.DB.Type = core.BackendMongo
	}
}

// checkPostgres reports a malformed postgres URI before any dial is made.
func checkPostgres(uri string) error {
	if _, err := pgx.ParseConfig(uri); err != nil {
		return fmt.Errorf("database: invalid postgres connection string: %w", err)
	}
	return nil
}
