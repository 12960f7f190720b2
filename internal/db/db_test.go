package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.StoreConfig
		want string
	}{
		{
			name: "default local",
			cfg:  config.StoreConfig{User: "root", Host: "127.0.0.1", Port: 3306, Database: "switchboard"},
			want: "root@tcp(127.0.0.1:3306)/switchboard?parseTime=true",
		},
		{
			name: "password and custom port",
			cfg:  config.StoreConfig{User: "sb", Password: "pw", Host: "10.0.0.5", Port: 3307, Database: "sb_alice"},
			want: "sb:pw@tcp(10.0.0.5:3307)/sb_alice?parseTime=true",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect(config.StoreConfig{Driver: "oracle"})
	if err == nil || !strings.Contains(err.Error(), `unknown driver "oracle"`) {
		t.Errorf("err = %v", err)
	}
}

func TestConnect_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sb.db")
	gdb, err := Connect(config.StoreConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

func TestSeedWorkspaces_Upsert(t *testing.T) {
	gdb, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	ws := []config.WorkspaceConfig{{ID: "api", Name: "API", Path: "/src/api", Engine: "codex", AccessMode: "on-request"}}
	if err := SeedWorkspaces(gdb, ws); err != nil {
		t.Fatalf("first seed: %v", err)
	}
	ws[0].Path = "/src/api2"
	if err := SeedWorkspaces(gdb, ws); err != nil {
		t.Fatalf("second seed: %v", err)
	}

	var rows []models.Workspace
	if err := gdb.Find(&rows).Error; err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].Path != "/src/api2" {
		t.Errorf("Path = %q, want updated", rows[0].Path)
	}
}
