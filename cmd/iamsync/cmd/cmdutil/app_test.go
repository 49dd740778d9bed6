package cmdutil

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/iamsync/internal/config"
	"github.com/terraconstructs/iamsync/internal/errs"
	"github.com/terraconstructs/iamsync/internal/services/iam"
)

func testConfig() *config.Config {
	return &config.Config{
		DatabaseURL:    ":memory:",
		PolicyStoreURL: ":memory:",
		LogLevel:       "debug",
		Principals: config.PrincipalConfig{
			AdminUsername: "admin",
			SuperuserRole: "superuser",
			DefaultRole:   "normal",
		},
		Dispatch: config.DispatchConfig{
			QueueSize:    8,
			BatchTimeout: time.Second,
			ShutdownWait: time.Second,
		},
		AuditModule: "system-management",
	}
}

func TestNewAppMigratesAndServes(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	app, err := NewApp(ctx, testConfig(), logger, AppOptions{Migrate: true})
	require.NoError(t, err)
	defer app.Close()

	res := app.Service.ListRoles(ctx)
	require.NoError(t, Check(res))
	names := []string{}
	for _, r := range res.Data.([]iam.RoleView) {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"normal", "superuser"}, names)

	report, err := app.Reconciler.Run(ctx, false)
	require.NoError(t, err)
	assert.False(t, report.Drift())

	res = app.Service.CheckPermission(ctx, "admin", "anything")
	require.NoError(t, Check(res))
	assert.True(t, res.Data.(iam.PermissionCheck).Allowed)
}

func TestNewAppWithoutIdentityProvider(t *testing.T) {
	ctx := context.Background()
	logger, hook := test.NewNullLogger()

	app, err := NewApp(ctx, testConfig(), logger, AppOptions{Migrate: true})
	require.NoError(t, err)
	defer app.Close()

	res := app.Service.CreateUser(ctx, Actor(), iam.CreateUserRequest{Username: "alice"})
	err = Check(res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrExternalDependency))

	found := false
	for _, e := range hook.AllEntries() {
		if e.Message == "identity provider disabled (IDP_BASE_URL not set)" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNewLoggerFormats(t *testing.T) {
	cfg := testConfig()
	cfg.LogFormat = "json"
	logger := NewLogger(cfg)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	cfg.LogLevel = "nonsense"
	cfg.LogFormat = "text"
	assert.Equal(t, "info", NewLogger(cfg).GetLevel().String())
}

func TestActor(t *testing.T) {
	t.Setenv("USER", "ops")
	assert.Equal(t, "cli:ops", Actor().Operator)

	t.Setenv("USER", "")
	assert.Equal(t, "cli:system", Actor().Operator)
}
