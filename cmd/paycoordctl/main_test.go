package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/paycoord/internal/app"
)

func mapLookup(values map[string]string) app.EnvLookup {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func run(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(mapLookup(env))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestAdminToken(t *testing.T) {
	out, err := run(t, map[string]string{app.EnvAdminJWTSecret: "admin-secret"}, "admin-token", "--subject", "oncall")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (any, error) {
		return []byte("admin-secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "admin", claims["role"])
	assert.Equal(t, "oncall", claims["sub"])
}

func TestAdminToken_RequiresSecret(t *testing.T) {
	_, err := run(t, nil, "admin-token")
	require.ErrorContains(t, err, app.EnvAdminJWTSecret)
}

func TestMigrate_RequiresDSN(t *testing.T) {
	_, err := run(t, nil, "migrate", "status")
	require.ErrorContains(t, err, app.EnvPostgresDSN)
}

func TestMigrate_RejectsUnknownDirection(t *testing.T) {
	_, err := run(t, map[string]string{app.EnvPostgresDSN: "postgres://localhost/none"}, "migrate", "sideways")
	require.Error(t, err)
}

func TestSweep_RequiresPostgres(t *testing.T) {
	_, err := run(t, map[string]string{app.EnvStorageDriver: "memory"}, "sweep")
	require.ErrorContains(t, err, "postgres storage only")
}
