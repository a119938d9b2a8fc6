// Package audit implements a PostgreSQL-backed protocol.CommandObserver: a
// durable log of every command a session dispatched, for post-hoc review of
// what a remote peer asked the storage driver to do.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/haytastan/pgbackrest/pkg/logging"
	"github.com/haytastan/pgbackrest/pkg/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config configures the audit sink's database connection.
type Config struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	QueueSize        int
}

func (c *Config) setDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
}

// Sink is a protocol.CommandObserver backed by a Postgres pool. Writes are
// queued and flushed from a single background goroutine so ObserveCommand
// never blocks a session's dispatch loop on database latency; a full queue
// drops the record and logs a warning rather than applying backpressure to
// the protocol session.
type Sink struct {
	pool  *pgxpool.Pool
	log   *logging.Logger
	queue chan record
	done  chan struct{}
}

type record struct {
	sessionID   string
	storageType protocol.StorageType
	command     string
	paramsJSON  []byte
	errKind     string
	errMessage  string
	observedAt  time.Time
}

// New opens a connection pool against cfg.ConnectionString. Call Migrate
// before serving traffic so the command_audit table exists.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	cfg.setDefaults()
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("audit: connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("audit: parse connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConnections

	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(timeoutCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("audit: create connection pool: %w", err)
	}
	if err := pool.Ping(timeoutCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	s := &Sink{
		pool:  pool,
		log:   logging.Global().WithComponent("audit"),
		queue: make(chan record, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Migrate applies every embedded migration in migrations/ that has not yet
// run against this database.
func (s *Sink) Migrate(connectionString string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("audit: open embedded migrations: %w", err)
	}

	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return fmt.Errorf("audit: open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("audit: create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("audit: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("audit: apply migrations: %w", err)
	}
	return nil
}

// ObserveCommand implements protocol.CommandObserver.
func (s *Sink) ObserveCommand(sessionID string, storageType protocol.StorageType, command string, params []protocol.Value, dispatchErr error) {
	paramsJSON, err := protocol.MarshalLine(protocol.List(params...))
	if err != nil {
		s.log.Warnf("audit: unable to marshal params for %s: %v", command, err)
		paramsJSON = []byte("[]")
	}

	rec := record{
		sessionID:   sessionID,
		storageType: storageType,
		command:     command,
		paramsJSON:  paramsJSON,
		observedAt:  time.Now(),
	}
	if dispatchErr != nil {
		if pe, ok := protocol.AsError(dispatchErr); ok {
			rec.errKind = string(pe.Kind)
			rec.errMessage = pe.Message
		} else {
			rec.errMessage = dispatchErr.Error()
		}
	}

	select {
	case s.queue <- rec:
	default:
		s.log.Warnf("audit: queue full, dropping record for command %s", command)
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for rec := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		// observed_at is passed explicitly rather than left to the table's
		// DEFAULT now(): the queue can lag behind ObserveCommand under
		// backpressure, and the audit trail should reflect when the command
		// actually happened, not when this goroutine got around to it.
		_, err := s.pool.Exec(ctx, `
			INSERT INTO command_audit (session_id, storage_type, command, params, error_kind, error_message, observed_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
			rec.sessionID, string(rec.storageType), rec.command, rec.paramsJSON, rec.errKind, rec.errMessage, rec.observedAt)
		cancel()
		if err != nil {
			s.log.Errorf("audit: insert failed for command %s: %v", rec.command, err)
		}
	}
}

// Close drains the write queue and closes the connection pool.
func (s *Sink) Close() {
	close(s.queue)
	<-s.done
	s.pool.Close()
}

var _ protocol.CommandObserver = (*Sink)(nil)
