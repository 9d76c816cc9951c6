package worker

import (
	"context"
	"fmt"

	"conductor/pkg/agent"
	"conductor/pkg/config"
	"conductor/pkg/exec"
	"conductor/pkg/llm"
	"conductor/pkg/logx"
	"conductor/pkg/session"
	"conductor/pkg/tools"
)

// NewLauncher wires the in-process session stack: config-driven model client,
// role-scoped tools, and the session runner. cmd hands this to Serve after
// loading config inside the worker process, so credentials always resolve
// from the worker's own environment and secrets.
func NewLauncher(factory *agent.ClientFactory) Launcher {
	return func(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
		logger := logx.NewLogger("worker-" + cfg.Role.String())

		client, err := factory.ClientForSession(&cfg, logger)
		if err != nil {
			return agent.SessionResult{}, fmt.Errorf("build model client: %w", err)
		}
		provider, err := tools.ForRole(cfg.Role, tools.Binding{
			Context:  cfg.ToolContext,
			Executor: exec.NewLocalExec(),
			Logger:   logger,
		})
		if err != nil {
			return agent.SessionResult{}, fmt.Errorf("bind tools: %w", err)
		}
		runner, err := session.NewRunner(client, provider, logger)
		if err != nil {
			return agent.SessionResult{}, err
		}

		// Auth refresh stays inside the worker. A fresh key comes from the
		// local env or secrets store, and the rebuilt client picks it up
		// through the same factory path.
		if cb.OnAuthRefresh == nil {
			cb.OnAuthRefresh = func() (string, error) {
				providerName, err := config.GetModelProvider(cfg.ModelID)
				if err != nil {
					return "", err
				}
				return config.GetAPIKey(providerName)
			}
		}
		if cb.OnModelRefresh == nil {
			cb.OnModelRefresh = func(string) (llm.Client, error) {
				return factory.ClientForSession(&cfg, logger)
			}
		}

		return runner.Run(ctx, cfg, cb)
	}
}
