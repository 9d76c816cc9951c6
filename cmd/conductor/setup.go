package main

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/utils"
)

// passwordEnvVar lets the secrets password ride the environment instead of a
// prompt. Worker subprocesses inherit it, which is how they decrypt the
// secrets file without a terminal.
const passwordEnvVar = "CONDUCTOR_PASSWORD"

// setupProjectInfrastructure loads or creates the project config, seeds the
// .conductor directory, and opens the run archive. Returns whether the config
// file was created fresh, which first-run messaging keys off.
func setupProjectInfrastructure(projectDir string) (bool, error) {
	configPath := filepath.Join(projectDir, config.ProjectConfigDir, config.ProjectConfigFilename)
	configWasCreated := false
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configWasCreated = true
	}

	if err := config.LoadConfig(projectDir); err != nil {
		return false, fmt.Errorf("failed to load config: %w", err)
	}
	if err := utils.EnsureConductorDir(projectDir); err != nil {
		return false, fmt.Errorf("failed to prepare %s directory: %w", utils.ConductorDir, err)
	}

	dbPath := filepath.Join(projectDir, config.ProjectConfigDir, config.DatabaseFilename)
	if err := persistence.Initialize(dbPath); err != nil {
		return false, fmt.Errorf("failed to open run archive: %w", err)
	}

	// A previous process that died mid-run leaves status=running rows behind.
	// Sweep them now so the status view never shows ghosts.
	if n, err := persistence.Default().MarkStaleRuns(); err != nil {
		logx.NewLogger("setup").Warn("could not sweep stale runs: %v", err)
	} else if n > 0 {
		config.LogInfo("🧹 Marked %d interrupted run(s) as failed", n)
	}

	return configWasCreated, nil
}

// handleSecrets decrypts the project secrets file into memory when one
// exists. The password comes from the environment when set, otherwise from an
// interactive prompt. On success the password is exported so spawned workers
// can decrypt the same file themselves.
func handleSecrets(projectDir string) error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}

	if password := os.Getenv(passwordEnvVar); password != "" {
		secrets, err := config.DecryptSecretsFile(projectDir, password)
		if err != nil {
			return fmt.Errorf("failed to decrypt secrets with %s: %w", passwordEnvVar, err)
		}
		config.SetDecryptedSecrets(secrets)
		config.LogInfo("🔓 Secrets decrypted (%d entries)", len(secrets))
		return nil
	}

	if !term.IsTerminal(syscall.Stdin) {
		return fmt.Errorf("secrets file present but %s is not set and stdin is not a terminal", passwordEnvVar)
	}

	secrets, password, err := promptForDecryption(projectDir)
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)

	// Workers inherit the environment, not the terminal.
	if err := os.Setenv(passwordEnvVar, password); err != nil {
		return fmt.Errorf("failed to export secrets password: %w", err)
	}
	config.LogInfo("🔓 Secrets decrypted (%d entries)", len(secrets))
	return nil
}

// promptForDecryption asks for the project password and tries it against the
// secrets file, up to three attempts.
func promptForDecryption(projectDir string) (map[string]string, string, error) {
	maxAttempts := 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Print("Enter the password for this Conductor project: ")
		raw, err := term.ReadPassword(syscall.Stdin)
		fmt.Println() // New line after password input
		if err != nil {
			return nil, "", fmt.Errorf("failed to read password: %w", err)
		}

		password := string(raw)
		for i := range raw {
			raw[i] = 0
		}

		secrets, err := config.DecryptSecretsFile(projectDir, password)
		if err == nil {
			return secrets, password, nil
		}
		if attempt < maxAttempts {
			fmt.Println("❌ Wrong password. Please try again.")
			continue
		}
		return nil, "", fmt.Errorf("failed to decrypt secrets after %d attempts: %w", maxAttempts, err)
	}
	return nil, "", fmt.Errorf("failed to decrypt secrets")
}
