package db

import (
	"strings"
	"testing"

	"github.com/gocql/gocql"

	"github.com/acme/campaign-dispatcher/internal/config"
)

func TestDSNEscapesCredentials(t *testing.T) {
	dsn := DSN(config.PostgresConfig{
		Host: "db", Port: 5432, User: "dispatcher", Password: "p@ss:word", Database: "campaigns", SSLMode: "disable",
	})
	want := "postgres://dispatcher:p%40ss%3Aword@db:5432/campaigns?sslmode=disable"
	if dsn != want {
		t.Fatalf("got %s want %s", dsn, want)
	}
}

func TestParseConsistency(t *testing.T) {
	cases := map[string]gocql.Consistency{
		"one":          gocql.One,
		"LOCAL_QUORUM": gocql.LocalQuorum,
		"local_one":    gocql.LocalOne,
		"each_quorum":  gocql.EachQuorum,
		"":             gocql.Quorum,
		"bogus":        gocql.Quorum,
	}
	for in, want := range cases {
		if got := parseConsistency(in); got != want {
			t.Fatalf("parseConsistency(%q) = %v want %v", in, got, want)
		}
	}
}

func TestKeyspaceStatement(t *testing.T) {
	stmt := keyspaceStatement(`campaign_dispatch"`)
	if !strings.Contains(stmt, "IF NOT EXISTS campaign_dispatch WITH") {
		t.Fatalf("unexpected statement %s", stmt)
	}
}
