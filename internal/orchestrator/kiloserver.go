package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/kilodev/cloudagent/internal/common/config"
	"github.com/kilodev/cloudagent/internal/common/logger"
	"github.com/kilodev/cloudagent/internal/sandbox"
)

// sessionPort derives a stable per-session port in a 1000-wide window above
// the base port, so one sandbox can host several sessions.
func sessionPort(basePort int, sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return basePort + int(h.Sum32()%1000)
}

// kiloHealthy probes the kilo server health endpoint from inside the sandbox.
func kiloHealthy(ctx context.Context, sb sandbox.Sandbox, port int) bool {
	res, err := sb.Exec(ctx, []string{
		"curl", "-sf", "-m", "2", fmt.Sprintf("http://127.0.0.1:%d/global/health", port),
	})
	return err == nil && res.ExitCode == 0
}

// ensureKiloServer makes sure the agent backend process is running on the
// sandbox for this session and returns its port. An already-healthy server
// is reused; otherwise one is started and polled until ready.
func ensureKiloServer(ctx context.Context, sb sandbox.Sandbox, cfg config.KiloConfig, sessionID, workspacePath, kilocodeToken string, log *logger.Logger) (int, error) {
	port := sessionPort(cfg.BasePort, sessionID)

	if kiloHealthy(ctx, sb, port) {
		log.Debug("kilo server already running",
			zap.String("session_id", sessionID),
			zap.Int("port", port),
		)
		return port, nil
	}

	err := sb.StartProcess(ctx, []string{cfg.Command, "serve", "--port", fmt.Sprintf("%d", port)}, sandbox.ProcessOptions{
		Cwd: workspacePath,
		Env: map[string]string{
			"KILO_PORT":      fmt.Sprintf("%d", port),
			"KILOCODE_TOKEN": kilocodeToken,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("start kilo server: %w", err)
	}

	deadline := time.Now().Add(time.Duration(cfg.ReadinessTimeout) * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		if kiloHealthy(ctx, sb, port) {
			log.Info("kilo server ready",
				zap.String("session_id", sessionID),
				zap.Int("port", port),
			)
			return port, nil
		}
		time.Sleep(500 * time.Millisecond)
	}

	return 0, fmt.Errorf("kilo server did not become healthy on port %d within %ds", port, cfg.ReadinessTimeout)
}
