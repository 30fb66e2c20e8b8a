package repository

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrations(t *testing.T) {
	files, err := fs.Glob(embedMigrations, "migrations/*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no migrations embedded")
	}
	data, err := fs.ReadFile(embedMigrations, files[0])
	if err != nil {
		t.Fatalf("read %s: %v", files[0], err)
	}
	sql := string(data)
	for _, want := range []string{
		"-- +goose Up",
		"-- +goose Down",
		"CREATE TABLE IF NOT EXISTS credit_pools",
		"CHECK (available_balance >= 0)",
		"ON credit_transactions (task_id) WHERE type = 'refund'",
		"api_task_id       TEXT UNIQUE",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("migration missing %q", want)
		}
	}
}
