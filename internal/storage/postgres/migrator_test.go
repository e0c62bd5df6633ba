package postgres

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationFile(sql string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(sql)}
}

func TestLoadMigrationsFromFS_EmbeddedSchema(t *testing.T) {
	migrations, err := loadMigrationsFromFS(migrationsFS)
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, int64(1), migrations[0].Version)
	assert.Equal(t, "init", migrations[0].Name)
	assert.Contains(t, migrations[0].UpSQL, "payment_attempts")
	assert.Equal(t, int64(2), migrations[1].Version)
	assert.Equal(t, "notification_tracking", migrations[1].Name)
	for _, m := range migrations {
		assert.NotEmpty(t, m.body(migrationDown), "version %d", m.Version)
	}
}

func TestLoadMigrationsFromFS_Errors(t *testing.T) {
	tests := []struct {
		name    string
		fsys    fstest.MapFS
		wantErr string
	}{
		{
			name:    "no files",
			fsys:    fstest.MapFS{},
			wantErr: "no migration files",
		},
		{
			name: "missing down",
			fsys: fstest.MapFS{
				"sql/migrations/0001_units.up.sql": migrationFile("CREATE TABLE units (id TEXT);"),
			},
			wantErr: "both up and down",
		},
		{
			name: "bad file name",
			fsys: fstest.MapFS{
				"sql/migrations/units.sql": migrationFile("SELECT 1;"),
			},
			wantErr: "invalid migration file name",
		},
		{
			name: "blank body",
			fsys: fstest.MapFS{
				"sql/migrations/0001_units.up.sql":   migrationFile(" \n\t"),
				"sql/migrations/0001_units.down.sql": migrationFile("DROP TABLE units;"),
			},
			wantErr: "empty",
		},
		{
			name: "name mismatch",
			fsys: fstest.MapFS{
				"sql/migrations/0001_units.up.sql":    migrationFile("CREATE TABLE units (id TEXT);"),
				"sql/migrations/0001_ledger.down.sql": migrationFile("DROP TABLE units;"),
			},
			wantErr: "name mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMigrationsFromFS(tt.fsys)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestPlanMigrations(t *testing.T) {
	all := []migration{
		{Version: 1, Name: "init"},
		{Version: 2, Name: "notification_tracking"},
		{Version: 3, Name: "refunds"},
	}
	versions := func(plan []migration) []int64 {
		var out []int64
		for _, m := range plan {
			out = append(out, m.Version)
		}
		return out
	}

	tests := []struct {
		name      string
		applied   []int64
		direction migrationDirection
		steps     int
		want      []int64
	}{
		{name: "up from scratch", direction: migrationUp, want: []int64{1, 2, 3}},
		{name: "up remaining", applied: []int64{1}, direction: migrationUp, want: []int64{2, 3}},
		{name: "up one step", applied: []int64{1}, direction: migrationUp, steps: 1, want: []int64{2}},
		{name: "up nothing left", applied: []int64{1, 2, 3}, direction: migrationUp},
		{name: "down newest first", applied: []int64{1, 2, 3}, direction: migrationDown, steps: 2, want: []int64{3, 2}},
		{name: "down all", applied: []int64{1, 2}, direction: migrationDown, want: []int64{2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := planMigrations(all, tt.applied, tt.direction, tt.steps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, versions(plan))
		})
	}

	_, err := planMigrations(all, []int64{7}, migrationDown, 1)
	assert.ErrorContains(t, err, "unknown migration version 7")
}
