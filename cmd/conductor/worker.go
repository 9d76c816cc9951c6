package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"conductor/pkg/agent"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/session"
	"conductor/pkg/worker"
)

// runWorker is the hidden worker entry point. Stdin and stdout belong to the
// controller's protocol; all human-facing output goes to stderr through the
// logger. Config loads lazily from the session's own project directory, so
// the worker resolves models and credentials exactly as the parent would.
func runWorker() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var factory *agent.ClientFactory
	launch := func(ctx context.Context, cfg agent.SessionConfig, cb session.Callbacks) (agent.SessionResult, error) {
		projectDir := cfg.ProjectDir
		if projectDir == "" {
			projectDir = "."
		}
		if err := config.LoadConfig(projectDir); err != nil {
			return agent.SessionResult{}, fmt.Errorf("load config: %w", err)
		}
		loadWorkerSecrets(projectDir)

		loaded, err := config.GetConfig()
		if err != nil {
			return agent.SessionResult{}, err
		}
		factory = agent.NewClientFactory(&loaded)
		return worker.NewLauncher(factory)(ctx, cfg, cb)
	}

	code := worker.Serve(ctx, os.Stdin, os.Stdout, launch)
	if factory != nil {
		factory.Close()
	}
	return code
}

// loadWorkerSecrets decrypts the secrets file with the inherited password.
// A worker has no terminal to prompt on, so a missing password just means
// credentials must come from the environment.
func loadWorkerSecrets(projectDir string) {
	if !config.SecretsFileExists(projectDir) {
		return
	}
	logger := logx.NewLogger("worker")
	password := os.Getenv(passwordEnvVar)
	if password == "" {
		logger.Warn("secrets file present but %s is not set; relying on environment credentials", passwordEnvVar)
		return
	}
	secrets, err := config.DecryptSecretsFile(projectDir, password)
	if err != nil {
		logger.Error("decrypt secrets: %v", err)
		return
	}
	config.SetDecryptedSecrets(secrets)
}
