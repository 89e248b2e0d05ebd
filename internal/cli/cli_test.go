package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tta-server/shared/authutils"
)

func executeCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	// изолируем от .env и переменных окружения разработчика
	t.Chdir(t.TempDir())
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("AI_CLIENT_TYPE", "none")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("RABBITMQ_URL", "")
	t.Setenv("LOG_LEVEL", "error")

	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

var sessionLine = regexp.MustCompile(`\[session ([0-9a-f-]+)\]`)

func TestPlayAndResume(t *testing.T) {
	db := filepath.Join(t.TempDir(), "game.db")

	stdout, _, err := executeCLI(t, "look\n\ngo east\n", "play", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Welcome.")
	assert.Contains(t, stdout, "ancient oak tree")
	assert.Contains(t, stdout, "The Forge")

	m := sessionLine.FindStringSubmatch(stdout)
	require.Len(t, m, 2, stdout)

	stdout, _, err = executeCLI(t, "look\nquit\nlook\n", "play", "--db", db, "--session", m[1])
	require.NoError(t, err)
	assert.Contains(t, stdout, "Heat rolls from a stone hearth.")
	parts := strings.SplitN(stdout, "Thank you for playing.", 2)
	require.Len(t, parts, 2, stdout)
	assert.NotContains(t, parts[1], "Heat rolls", "input after quit is not played")
}

func TestPlayUnknownSession(t *testing.T) {
	db := filepath.Join(t.TempDir(), "game.db")
	_, _, err := executeCLI(t, "", "play", "--db", db, "--session", "missing")
	require.Error(t, err)
}

func TestMigrate(t *testing.T) {
	db := filepath.Join(t.TempDir(), "game.db")
	stdout, _, err := executeCLI(t, "", "migrate", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "migrations applied (sqlite)")
}

func TestToken(t *testing.T) {
	t.Run("requires secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		_, _, err := executeCLI(t, "", "token", "--player", "alice")
		require.Error(t, err)
	})

	t.Run("issues verifiable token", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "cli-secret")
		stdout, _, err := executeCLI(t, "", "token", "--player", "alice")
		require.NoError(t, err)

		v, err := authutils.NewJWTVerifier("cli-secret", nil)
		require.NoError(t, err)
		claims, err := v.VerifyToken(context.Background(), strings.TrimSpace(stdout))
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Subject)
	})
}

func TestRejectsUnknownStore(t *testing.T) {
	_, _, err := executeCLI(t, "", "migrate", "--store", "mongo")
	require.Error(t, err)
}
