package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"budget_gateway/internal/auth"
	"budget_gateway/internal/config"
	"budget_gateway/internal/models"
	"budget_gateway/internal/storage"
	"budget_gateway/internal/utils"
	"budget_gateway/internal/vault"
)

// init-admin bootstraps a fresh deployment: an admin service token for the
// budget change workflow, an optional seed agent with an initial budget,
// and provider API keys sealed into the vault. Safe to re-run; existing
// records are left alone.
func main() {
	fmt.Println("Budget Gateway - Bootstrap Initialization")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Connecting to database...")
	db, err := storage.NewDB(storage.DBConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		AgentCacheSize:  10, // minimal cache for init tool
		AgentCacheTTL:   5 * time.Minute,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	v, err := vault.NewAESVaultFromBase64(cfg.Vault.MasterKeyBase64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to initialize vault: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := bootstrapAdminToken(ctx, db); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	if err := seedAgent(ctx, db); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	if err := sealProviderKeys(ctx, db, v); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nBootstrap complete.")
}

// bootstrapAdminToken creates the admin service token unless one already
// exists for the service name. The plaintext secret is printed exactly once.
func bootstrapAdminToken(ctx context.Context, db *storage.DB) error {
	serviceName := envOr("ADMIN_SERVICE_NAME", "bootstrap-admin")
	repo := storage.NewAdminTokenRepository(db)

	existing, err := repo.GetByServiceName(ctx, serviceName)
	if err != nil && !errors.Is(err, auth.ErrAdminTokenNotFound) {
		return fmt.Errorf("failed to check existing admin token: %w", err)
	}
	if existing != nil {
		fmt.Printf("Admin token for service %q already exists, skipping\n", serviceName)
		return nil
	}

	secret, err := generateSecret("admt_")
	if err != nil {
		return fmt.Errorf("failed to generate admin token: %w", err)
	}
	hash, err := utils.HashPasswordArgon2(secret)
	if err != nil {
		return fmt.Errorf("failed to hash admin token: %w", err)
	}

	token := &models.AdminToken{
		ID:          uuid.New(),
		ServiceName: serviceName,
		TokenHash:   hash,
		Roles:       pq.StringArray{"admin"},
		Enabled:     true,
	}
	if err := repo.Create(ctx, token); err != nil {
		return fmt.Errorf("failed to create admin token: %w", err)
	}

	fmt.Printf("\nAdmin service token created for %q\n", serviceName)
	fmt.Printf("Token (store securely, shown only once): %s\n", secret)
	return nil
}

// seedAgent provisions a first agent with an initial budget when
// AGENT_BOOTSTRAP_NAME is set
func seedAgent(ctx context.Context, db *storage.DB) error {
	name := os.Getenv("AGENT_BOOTSTRAP_NAME")
	if name == "" {
		fmt.Println("AGENT_BOOTSTRAP_NAME not set, skipping seed agent")
		return nil
	}

	allocation := int64(50_000_000) // $50 default
	if raw := os.Getenv("AGENT_BOOTSTRAP_BUDGET_MICROS"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid AGENT_BOOTSTRAP_BUDGET_MICROS: %q", raw)
		}
		allocation = parsed
	}

	key, hash, err := auth.GenerateAgentKey()
	if err != nil {
		return fmt.Errorf("failed to generate agent key: %w", err)
	}

	agent := &models.Agent{
		ID:         uuid.New(),
		Name:       name,
		APIKeyHash: hash,
		Enabled:    true,
	}
	budget := &models.Budget{
		AgentID:         agent.ID,
		TotalAllocated:  allocation,
		TotalSpent:      0,
		BudgetRemaining: allocation,
	}

	repo := storage.NewAgentRepository(db)
	if err := repo.Create(ctx, agent, budget); err != nil {
		return fmt.Errorf("failed to create seed agent: %w", err)
	}

	fmt.Printf("\nSeed agent %q created (id %s, budget %s)\n", name, agent.ID, models.FormatMicros(allocation))
	fmt.Printf("Agent API key (store securely, shown only once): %s\n", key)
	return nil
}

// sealProviderKeys stores provider API keys from the environment,
// encrypted at rest
func sealProviderKeys(ctx context.Context, db *storage.DB, v vault.Vault) error {
	repo := storage.NewProviderKeyRepository(db, v)

	envMapping := map[string]string{
		"OPENAI_API_KEY":    "openai",
		"ANTHROPIC_API_KEY": "anthropic",
	}

	for envVar, provider := range envMapping {
		secret := os.Getenv(envVar)
		if secret == "" {
			continue
		}
		if err := repo.Upsert(ctx, provider, secret); err != nil {
			return fmt.Errorf("failed to store %s key: %w", provider, err)
		}
		fmt.Printf("Sealed credential for provider %q\n", provider)
	}
	return nil
}

func generateSecret(prefix string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func envOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
