package migrate_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/angelmondragon/billing-engine/pkg/migrate"
)

func TestEmbeddedMigrationsAreValid(t *testing.T) {
	if err := migrate.Validate(migrate.Embedded()); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
	entries, err := fs.ReadDir(migrate.Embedded(), ".")
	if err != nil || len(entries) < 6 {
		t.Fatalf("expected embedded migrations, got %d (%v)", len(entries), err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	source := fstest.MapFS{
		"20260101000000_ok.sql":      {Data: []byte("-- +goose Up\n-- +goose Down\n")},
		"20260101000000_dup.sql":     {Data: []byte("-- +goose Up\n-- +goose Down\n")},
		"20260101000001_no_down.sql": {Data: []byte("-- +goose Up\n")},
		"Bad-Name.sql":               {Data: []byte("-- +goose Up\n-- +goose Down\n")},
		"README.md":                  {Data: []byte("ignored")},
	}
	err := migrate.Validate(source)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"already used", "missing \"-- +goose Down\"", "Bad-Name.sql"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
	if strings.Contains(err.Error(), "README") {
		t.Errorf("non-sql files should be ignored: %v", err)
	}
}

func TestMigrationsCarryBillingConstraints(t *testing.T) {
	checks := map[string][]string{
		"*_create_billing_catalog.sql": {
			"CONSTRAINT ux_features_key UNIQUE (key)",
			"CHECK ((plan_id IS NULL) <> (feature_id IS NULL))",
			"DROP TABLE IF EXISTS pricing_plans",
		},
		"*_create_subscriptions.sql": {
			"version integer NOT NULL DEFAULT 1",
			"CHECK (current_period_start < current_period_end)",
			"CHECK (status <> 'canceled' OR ended_at IS NOT NULL)",
		},
		"*_create_usage.sql": {
			"CONSTRAINT ux_usage_reports_key UNIQUE (idempotency_key)",
		},
		"*_create_webhooks.sql": {
			"CONSTRAINT ux_processed_webhook_events_event_id UNIQUE (event_id)",
			"CREATE INDEX IF NOT EXISTS ix_webhook_deliveries_due",
		},
		"*_create_outbox.sql": {
			"ux_outbox_events_event_aggregate",
		},
	}
	for pattern, wants := range checks {
		matches, err := filepath.Glob(filepath.Join("migrations", pattern))
		if err != nil || len(matches) != 1 {
			t.Fatalf("expected one migration for %s, got %v (%v)", pattern, matches, err)
		}
		data, err := os.ReadFile(matches[0])
		if err != nil {
			t.Fatalf("read %s: %v", matches[0], err)
		}
		for _, want := range wants {
			if !strings.Contains(string(data), want) {
				t.Errorf("%s missing %q", matches[0], want)
			}
		}
	}
}

func TestCreateSanitizesName(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	path, err := migrate.Create(dir, "Add Tax Rate Index!", now)
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if filepath.Base(path) != "20260504030201_add_tax_rate_index.sql" {
		t.Fatalf("unexpected path %s", path)
	}
	if err := migrate.Validate(os.DirFS(dir)); err != nil {
		t.Fatalf("generated migration invalid: %v", err)
	}
	if _, err := migrate.Create(dir, "add tax rate index", now); err == nil {
		t.Fatal("expected an error when the file already exists")
	}
	if _, err := migrate.Create(dir, "!!!", now); err == nil {
		t.Fatal("expected an error for an empty name")
	}
}

func TestSourceFallsBackToEmbedded(t *testing.T) {
	if _, err := fs.Stat(migrate.Source(""), "20260105120500_create_outbox.sql"); err != nil {
		t.Fatalf("expected embedded outbox migration: %v", err)
	}
}
