package dbres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/stratal/sessiond/sessions"
)

func newSQLiteHandle(t *testing.T) *Handle {
	t.Helper()
	h, attrs, err := NewConnector(0).Connect(context.Background(), Credentials{
		Family:   FamilySQLite,
		Database: ":memory:",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	if attrs["family"] != "sqlite" || attrs["database"] != ":memory:" {
		t.Fatalf("attrs = %v", attrs)
	}
	if _, ok := attrs["username"]; ok {
		t.Fatalf("unexpected username attr for sqlite: %v", attrs)
	}
	return h
}

func mustExec(t *testing.T, h *Handle, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		if _, err := h.Query(context.Background(), s, false, 0); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
}

func TestQueryRowsAndExec(t *testing.T) {
	h := newSQLiteHandle(t)
	ctx := context.Background()

	mustExec(t, h,
		`CREATE TABLE accounts (id INTEGER PRIMARY KEY, name TEXT NOT NULL, balance REAL)`,
		`INSERT INTO accounts (name, balance) VALUES ('alice', 12.5), ('bob', 40)`,
	)

	res, err := h.Query(ctx, `UPDATE accounts SET balance = balance + 1`, false, 0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.RowsAffected != 2 {
		t.Fatalf("rows affected = %d", res.RowsAffected)
	}
	if len(res.Rows) != 0 {
		t.Fatalf("update returned rows: %v", res.Rows)
	}

	res, err = h.Query(ctx, `SELECT name, balance FROM accounts ORDER BY id`, true, 0)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(res.Columns) != 2 || res.Columns[0] != "name" {
		t.Fatalf("columns = %v", res.Columns)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %v", res.Rows)
	}
	// Byte-slice column values come back as strings, not base64 blobs.
	if name, ok := res.Rows[0][0].(string); !ok || name != "alice" {
		t.Fatalf("first row = %v", res.Rows[0])
	}
}

func TestReadOnlyGuard(t *testing.T) {
	h := newSQLiteHandle(t)
	ctx := context.Background()
	mustExec(t, h, `CREATE TABLE updates (id INTEGER PRIMARY KEY)`)

	for _, bad := range []string{
		`DELETE FROM updates`,
		`INSERT INTO updates (id) VALUES (1)`,
		`DROP TABLE updates`,
		`SELECT 1; DROP TABLE updates`,
	} {
		if _, err := h.Query(ctx, bad, true, 0); !errors.Is(err, ErrReadOnlyViolation) {
			t.Fatalf("readOnly accepted %q: %v", bad, err)
		}
	}

	// The keyword scan respects word boundaries: a table named "updates"
	// is not an UPDATE statement.
	if _, err := h.Query(ctx, `SELECT count(*) FROM updates`, true, 0); err != nil {
		t.Fatalf("readOnly rejected a plain select: %v", err)
	}

	// Mutations with readOnly off still work.
	if _, err := h.Query(ctx, `INSERT INTO updates (id) VALUES (7)`, false, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestEmptyAndInvalidQueries(t *testing.T) {
	h := newSQLiteHandle(t)
	ctx := context.Background()

	if _, err := h.Query(ctx, "   ", false, 0); err == nil {
		t.Fatal("accepted an empty query")
	}
	if _, err := h.Query(ctx, `SELECT * FROM does_not_exist`, true, 0); err == nil {
		t.Fatal("accepted a query against a missing table")
	} else if errors.Is(err, sessions.ErrTimeout) {
		t.Fatalf("sql error misreported as timeout: %v", err)
	}
}

func TestSchemaIntrospection(t *testing.T) {
	h := newSQLiteHandle(t)
	ctx := context.Background()

	mustExec(t, h,
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, item TEXT NOT NULL, notes TEXT)`,
		`CREATE VIEW order_items AS SELECT item FROM orders`,
	)

	info, err := h.Schema(ctx)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if info.Family != FamilySQLite {
		t.Fatalf("family = %s", info.Family)
	}
	if len(info.Tables) != 2 || info.Tables[0].Name != "order_items" || info.Tables[1].Name != "orders" {
		t.Fatalf("tables = %+v", info.Tables)
	}

	var orders TableInfo
	for _, tbl := range info.Tables {
		if tbl.Name == "orders" {
			orders = tbl
		}
	}
	if orders.Type != "table" || len(orders.Columns) != 3 {
		t.Fatalf("orders = %+v", orders)
	}
	byName := map[string]ColumnInfo{}
	for _, c := range orders.Columns {
		byName[c.Name] = c
	}
	if byName["item"].Nullable {
		t.Fatal("item reported nullable despite NOT NULL")
	}
	if !byName["notes"].Nullable {
		t.Fatal("notes reported not-null")
	}
	if !strings.EqualFold(byName["id"].Type, "INTEGER") {
		t.Fatalf("id type = %q", byName["id"].Type)
	}
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	cases := []Credentials{
		{Family: "oracle", Database: "x"},
		{Family: FamilyPostgres, Database: ""},
		{Family: FamilyMySQL, Database: "x"},
	}
	for _, c := range cases {
		_, _, err := NewConnector(0).Connect(ctx, c)
		if err == nil {
			t.Fatalf("accepted credentials %+v", c)
		}
	}

	// Structural problems are the caller's fault, never a resource failure.
	_, _, err := NewConnector(0).Connect(ctx, Credentials{Family: FamilyPostgres, Database: ""})
	if !errors.Is(err, sessions.ErrInvalidCredentials) {
		t.Fatalf("missing database: want ErrInvalidCredentials, got %v", err)
	}
	if errors.Is(err, sessions.ErrConnectionFailure) {
		t.Fatalf("validation error also marked as connection failure: %v", err)
	}
}

func TestDSNRendering(t *testing.T) {
	pg := Credentials{Family: FamilyPostgres, Host: "db1", Database: "app", Username: "svc", Password: "p@ss/word"}
	if dsn := pg.dsn(); !strings.HasPrefix(dsn, "postgres://svc:") || !strings.Contains(dsn, "@db1:5432/app") {
		t.Fatalf("postgres dsn = %q", dsn)
	}
	if dsn := pg.dsn(); strings.Contains(dsn, "p@ss/word") {
		t.Fatalf("password not escaped in %q", dsn)
	}

	my := Credentials{Family: FamilyMySQL, Host: "db2", Port: 3307, Database: "app", Username: "svc", Password: "pw"}
	if dsn := my.dsn(); dsn != "svc:pw@tcp(db2:3307)/app?parseTime=true" {
		t.Fatalf("mysql dsn = %q", dsn)
	}

	lite := Credentials{Family: FamilySQLite, Database: "/var/lib/app.db"}
	if dsn := lite.dsn(); dsn != "/var/lib/app.db" {
		t.Fatalf("sqlite dsn = %q", dsn)
	}
}

type stubBorrower struct {
	handle *Handle
	err    error
}

func (s *stubBorrower) Borrow(ctx context.Context, _ string, _ uuid.UUID, fn func(context.Context, *Handle) error) error {
	if s.err != nil {
		return s.err
	}
	return fn(ctx, s.handle)
}

func TestExecutorPropagatesBrokerErrors(t *testing.T) {
	exec := NewExecutor(&stubBorrower{err: sessions.ErrExpired}, nil)
	if _, err := exec.Query(context.Background(), "tok", uuid.New(), "SELECT 1", true, 0); !errors.Is(err, sessions.ErrExpired) {
		t.Fatalf("want ErrExpired, got %v", err)
	}
	if _, err := exec.Schema(context.Background(), "tok", uuid.New()); !errors.Is(err, sessions.ErrExpired) {
		t.Fatalf("want ErrExpired, got %v", err)
	}
}

func TestExecutorRunsAgainstBorrowedHandle(t *testing.T) {
	h := newSQLiteHandle(t)
	mustExec(t, h, `CREATE TABLE t (v TEXT)`, `INSERT INTO t (v) VALUES ('x')`)

	exec := NewExecutor(&stubBorrower{handle: h}, nil)
	res, err := exec.Query(context.Background(), "tok", uuid.New(), `SELECT v FROM t`, true, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %v", res.Rows)
	}
	if err := exec.TestConnection(context.Background(), "tok", uuid.New()); err != nil {
		t.Fatalf("test connection: %v", err)
	}
}
