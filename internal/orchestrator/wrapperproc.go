package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kilodev/cloudagent/internal/common/config"
	"github.com/kilodev/cloudagent/internal/common/logger"
	"github.com/kilodev/cloudagent/internal/sandbox"
)

// ensureWrapper makes sure the long-running wrapper process is up on the
// sandbox and returns the base URL of its job-control surface. The sandbox
// ID doubles as the hostname on the shared container network.
func ensureWrapper(ctx context.Context, sb sandbox.Sandbox, cfg *config.Config, kiloPort int, workspacePath string, log *logger.Logger) (string, error) {
	baseURL := fmt.Sprintf("http://%s:%d", sb.ID(), cfg.Wrapper.Port)
	client := NewWrapperClient(baseURL, log)

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := client.WaitForHealth(probeCtx, time.Second)
	cancel()
	if err == nil {
		log.Debug("wrapper already running", zap.String("base_url", baseURL))
		return baseURL, nil
	}

	err = sb.StartProcess(ctx, []string{"cloudagent-wrapper"}, sandbox.ProcessOptions{
		Cwd: workspacePath,
		Env: map[string]string{
			"CLOUDAGENT_WRAPPER_PORT":    fmt.Sprintf("%d", cfg.Wrapper.Port),
			"KILO_BASE_PORT":             fmt.Sprintf("%d", kiloPort),
			"CLOUDAGENT_INGEST_BASE_URL": cfg.Ingest.BaseURL,
			"CLOUDAGENT_LOGGING_LEVEL":   cfg.Logging.Level,
		},
	})
	if err != nil {
		return "", fmt.Errorf("start wrapper process: %w", err)
	}

	startTimeout := time.Duration(cfg.Wrapper.StartTimeout) * time.Second
	if err := client.WaitForHealth(ctx, startTimeout); err != nil {
		return "", fmt.Errorf("wrapper did not become healthy: %w", err)
	}

	log.Info("wrapper ready", zap.String("base_url", baseURL))
	return baseURL, nil
}
