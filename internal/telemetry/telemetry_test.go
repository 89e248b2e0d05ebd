package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tta-server/internal/config"
	"tta-server/internal/telemetry"
)

func TestSetup(t *testing.T) {
	ctx := context.Background()

	t.Run("no endpoint", func(t *testing.T) {
		shutdown, err := telemetry.Setup(ctx, config.TelemetryConfig{ServiceName: "tta-test"}, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, shutdown(ctx))
	})

	t.Run("unreachable endpoint still shuts down cleanly", func(t *testing.T) {
		// адрес из TEST-NET, экспорт не уходит
		shutdown, err := telemetry.Setup(ctx, config.TelemetryConfig{OTLPEndpoint: "http://192.0.2.1:4318", ServiceName: "tta-test"}, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, shutdown(ctx))
	})
}
