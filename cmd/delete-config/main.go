/**
 * @description
 * Script to delete a tenant's payment link config by id. It prints the config and
 * asks for confirmation first. Configs that still have payment links are refused
 * by the ledger; cancel or keep those links instead.
 *
 * Usage:
 *   go run ./cmd/delete-config <tenant-id> <config-id>
 *
 * @dependencies
 * - Environment variables: DATABASE_URL (read through internal/config)
 */

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/kessai/link-service/internal/config"
	"github.com/kessai/link-service/internal/domain"
	"github.com/kessai/link-service/internal/ledger"
	"github.com/kessai/link-service/internal/store"
	"github.com/kessai/link-service/internal/tenancy"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Println("Usage: go run ./cmd/delete-config <tenant-id> <config-id>")
		os.Exit(1)
	}
	tenantID := strings.TrimSpace(os.Args[1])
	configID, err := uuid.Parse(strings.TrimSpace(os.Args[2]))
	if err != nil || tenantID == "" {
		log.Fatalf("invalid arguments: tenant id must be set and config id must be a uuid")
	}

	_ = godotenv.Load()
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.StoreDriver != "postgres" {
		log.Fatal("delete-config only works against STORE_DRIVER=postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbpool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbpool.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	l := ledger.New(store.NewPostgresStore(dbpool), logger)
	tenantCtx := tenancy.WithTenant(ctx, tenantID)

	existing, err := l.GetConfig(tenantCtx, configID)
	if err != nil {
		log.Fatalf("Failed to fetch config: %v", err)
	}

	fmt.Printf("Config Details:\n")
	fmt.Printf("  ID: %s\n", existing.ID)
	fmt.Printf("  Tenant: %s\n", existing.TenantID)
	fmt.Printf("  Provider: %s\n", existing.Provider)
	fmt.Printf("  Name: %s\n", existing.DisplayName)
	fmt.Printf("  Test mode: %t\n", existing.IsTestMode)
	fmt.Printf("  Active: %t\n", existing.IsActive)

	fmt.Printf("\nAre you sure you want to delete this config? (yes/no): ")
	confirmation, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if strings.TrimSpace(confirmation) != "yes" {
		fmt.Println("Deletion cancelled.")
		os.Exit(0)
	}

	if err := l.DeleteConfig(tenantCtx, configID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Fatalf("Config still has payment links; deactivate it instead: %v", err)
		}
		log.Fatalf("Failed to delete config: %v", err)
	}
	fmt.Printf("Deleted config %s (%s)\n", existing.ID, existing.DisplayName)
}
