// Package dbres is the database resource executor: it opens a dedicated
// database connection from caller-supplied credentials and runs queries and
// schema introspection against it.
//
// One session maps to one physical connection. The pool underneath each
// handle is pinned to a single connection so session state (temporary
// tables, SET parameters) behaves the way a direct connection would.
package dbres

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/stratal/sessiond/sessions"
)

// Family identifies the database engine a session connects to.
type Family string

const (
	FamilyPostgres Family = "postgres"
	FamilyMySQL    Family = "mysql"
	FamilySQLite   Family = "sqlite"
)

// ParseFamily validates a wire-format family name.
func ParseFamily(s string) (Family, error) {
	switch Family(s) {
	case FamilyPostgres, FamilyMySQL, FamilySQLite:
		return Family(s), nil
	default:
		return "", fmt.Errorf("dbres: unknown database family %q", s)
	}
}

func (f Family) driverName() string {
	switch f {
	case FamilyPostgres:
		return "pgx"
	case FamilyMySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// Credentials carries everything needed to open one database connection.
// For SQLite only Database (the file path, or ":memory:") is used.
type Credentials struct {
	Family   Family
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

func (c Credentials) validate() error {
	if _, err := ParseFamily(string(c.Family)); err != nil {
		return fmt.Errorf("%w: %v", sessions.ErrInvalidCredentials, err)
	}
	if c.Database == "" {
		return fmt.Errorf("%w: database name is required", sessions.ErrInvalidCredentials)
	}
	if c.Family != FamilySQLite && c.Host == "" {
		return fmt.Errorf("%w: host is required", sessions.ErrInvalidCredentials)
	}
	return nil
}

// dsn renders the driver-specific connection string. Passwords are
// URL-escaped so they never break the DSN syntax.
func (c Credentials) dsn() string {
	switch c.Family {
	case FamilyPostgres:
		u := url.URL{
			Scheme: "postgres",
			Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.portOr(5432))),
			Path:   "/" + c.Database,
		}
		if c.Username != "" {
			u.User = url.UserPassword(c.Username, c.Password)
		}
		return u.String()
	case FamilyMySQL:
		auth := ""
		if c.Username != "" {
			auth = c.Username + ":" + c.Password + "@"
		}
		return fmt.Sprintf("%stcp(%s)/%s?parseTime=true",
			auth, net.JoinHostPort(c.Host, strconv.Itoa(c.portOr(3306))), c.Database)
	default:
		return c.Database
	}
}

func (c Credentials) portOr(def int) int {
	if c.Port > 0 {
		return c.Port
	}
	return def
}

// Connector builds the broker-facing ConnectFunc for database sessions.
type Connector struct {
	pingTimeout time.Duration
}

// NewConnector builds a connector. pingTimeout bounds the liveness probe at
// connect time; zero selects 5s.
func NewConnector(pingTimeout time.Duration) *Connector {
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	return &Connector{pingTimeout: pingTimeout}
}

// Connect opens and probes one database connection. The pool is pinned to a
// single physical connection for the life of the handle.
func (c *Connector) Connect(ctx context.Context, creds Credentials) (*Handle, map[string]string, error) {
	if err := creds.validate(); err != nil {
		return nil, nil, err
	}

	db, err := sql.Open(creds.Family.driverName(), creds.dsn())
	if err != nil {
		return nil, nil, fmt.Errorf("dbres: open %s: %w: %v", creds.Family, sessions.ErrConnectionFailure, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("dbres: connect to %s: %w: %v", creds.Family, sessions.ErrConnectionFailure, err)
	}

	attrs := map[string]string{
		"family":   string(creds.Family),
		"database": creds.Database,
	}
	if creds.Family != FamilySQLite {
		defPort := 5432
		if creds.Family == FamilyMySQL {
			defPort = 3306
		}
		attrs["host"] = creds.Host
		attrs["port"] = strconv.Itoa(creds.portOr(defPort))
		attrs["username"] = creds.Username
	}
	return &Handle{db: db, family: creds.Family}, attrs, nil
}
