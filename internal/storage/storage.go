package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/glebarez/go-sqlite" // pure-Go SQLite driver
)

// Gateway describes an upstream SIP peer (trunk or PBX) this server keeps an
// outbound registration with.
type Gateway struct {
	Ref        string // opaque stable identifier, primary key
	Name       string // human-readable label, logging only
	Username   string
	Password   string
	Host       string   // primary registrar host
	Transport  string   // udp, tcp, ...
	Expires    int      // requested registration lifetime in seconds, 0 = unset
	Registries []string // additional registrar hosts under the same credentials
}

// HasCredentials reports whether the gateway carries a usable credential pair.
// Gateways without credentials are never registered.
func (g *Gateway) HasCredentials() bool {
	return g.Username != "" && g.Password != ""
}

// Storage handles the database operations for the application.
type Storage struct {
	db *sql.DB
}

// NewStorage initializes a new storage service. It opens a connection to the
// SQLite database and makes sure the required tables exist.
func NewStorage(dataSourceName string) (*Storage, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("could not create tables: %w", err)
	}

	return &Storage{db: db}, nil
}

// createTables sets up the database schema.
func createTables(db *sql.DB) error {
	const gatewaysTable = `
	CREATE TABLE IF NOT EXISTS gateways (
		ref TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		host TEXT NOT NULL,
		transport TEXT NOT NULL DEFAULT 'udp',
		expires INTEGER NOT NULL DEFAULT 0,
		registries TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := db.Exec(gatewaysTable); err != nil {
		return fmt.Errorf("could not create gateways table: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// AddGateway inserts or replaces a gateway record.
func (s *Storage) AddGateway(gw *Gateway) error {
	stmt, err := s.db.Prepare(`INSERT OR REPLACE INTO gateways
		(ref, name, username, password, host, transport, expires, registries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("could not prepare statement for adding gateway: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(gw.Ref, gw.Name, gw.Username, gw.Password, gw.Host,
		gw.Transport, gw.Expires, joinRegistries(gw.Registries))
	if err != nil {
		return fmt.Errorf("could not execute statement for adding gateway: %w", err)
	}
	return nil
}

// GetGatewayByRef retrieves a gateway by its ref. A missing gateway is not an
// application error; it returns (nil, nil).
func (s *Storage) GetGatewayByRef(ref string) (*Gateway, error) {
	stmt, err := s.db.Prepare(`SELECT ref, name, username, password, host, transport, expires, registries
		FROM gateways WHERE ref = ?`)
	if err != nil {
		return nil, fmt.Errorf("could not prepare statement for getting gateway: %w", err)
	}
	defer stmt.Close()

	gw, err := scanGateway(stmt.QueryRow(ref))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("could not query gateway: %w", err)
	}
	return gw, nil
}

// GetGateways retrieves all configured gateways.
func (s *Storage) GetGateways() ([]*Gateway, error) {
	rows, err := s.db.Query(`SELECT ref, name, username, password, host, transport, expires, registries
		FROM gateways ORDER BY ref`)
	if err != nil {
		return nil, fmt.Errorf("could not query all gateways: %w", err)
	}
	defer rows.Close()

	var gateways []*Gateway
	for rows.Next() {
		gw, err := scanGateway(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan gateway row: %w", err)
		}
		gateways = append(gateways, gw)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}

	return gateways, nil
}

// DeleteGateway removes a gateway by ref.
func (s *Storage) DeleteGateway(ref string) error {
	if _, err := s.db.Exec("DELETE FROM gateways WHERE ref = ?", ref); err != nil {
		return fmt.Errorf("could not delete gateway: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGateway(row rowScanner) (*Gateway, error) {
	gw := &Gateway{}
	var registries string
	err := row.Scan(&gw.Ref, &gw.Name, &gw.Username, &gw.Password, &gw.Host,
		&gw.Transport, &gw.Expires, &registries)
	if err != nil {
		return nil, err
	}
	gw.Registries = splitRegistries(registries)
	return gw, nil
}

func joinRegistries(hosts []string) string {
	return strings.Join(hosts, ",")
}

func splitRegistries(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			hosts = append(hosts, trimmed)
		}
	}
	return hosts
}
