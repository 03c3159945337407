package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/gocql/gocql"

	"github.com/acme/campaign-dispatcher/internal/config"
)

// Scylla wraps a gocql session.
type Scylla struct {
	session *gocql.Session
}

// NewScylla creates a session on the configured keyspace, creating the
// keyspace first unless schema initialisation is disabled.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	if !cfg.DisableInitSchema && cfg.Keyspace != "" {
		if err := ensureKeyspace(cfg); err != nil {
			return nil, err
		}
	}

	cluster := newCluster(cfg)
	cluster.Keyspace = cfg.Keyspace

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	return &Scylla{session: session}, nil
}

func newCluster(cfg config.ScyllaConfig) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}
	return cluster
}

func ensureKeyspace(cfg config.ScyllaConfig) error {
	session, err := newCluster(cfg).CreateSession()
	if err != nil {
		return fmt.Errorf("scylla: bootstrap session: %w", err)
	}
	defer session.Close()

	if err := session.Query(keyspaceStatement(cfg.Keyspace)).Exec(); err != nil {
		return fmt.Errorf("scylla: create keyspace %s: %w", cfg.Keyspace, err)
	}
	return nil
}

func keyspaceStatement(keyspace string) string {
	return fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`,
		strings.ReplaceAll(keyspace, `"`, ""))
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Ping reads the local node's release version.
func (s *Scylla) Ping(ctx context.Context) error {
	var version string
	if err := s.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Scan(&version); err != nil {
		return fmt.Errorf("scylla: ping: %w", err)
	}
	return nil
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch strings.ToLower(level) {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "each_quorum":
		return gocql.EachQuorum
	case "quorum":
		fallthrough
	default:
		return gocql.Quorum
	}
}
