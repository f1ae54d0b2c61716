package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tiersync/backend/internal/infrastructure/auth"
	"github.com/tiersync/backend/internal/infrastructure/config"
	"github.com/tiersync/backend/internal/infrastructure/logger"
)

func main() {
	var (
		operator    string
		permissions string
		ttl         time.Duration
	)

	flag.StringVar(&operator, "operator", "", "Operator name recorded in the token (required)")
	flag.StringVar(&permissions, "permissions", auth.PermissionSyncRead,
		"Comma-separated permissions: "+auth.PermissionSyncRead+", "+auth.PermissionSyncTrigger)
	flag.DurationVar(&ttl, "ttl", 0, "Token lifetime (default: jwt.access_token_expiration)")
	flag.Parse()

	log, err := logger.New(&logger.Config{
		Level:      "info",
		Format:     "console",
		Output:     "stderr",
		TimeFormat: "2006-01-02 15:04:05",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if operator == "" {
		flag.Usage()
		os.Exit(2)
	}

	perms, err := parsePermissions(permissions)
	if err != nil {
		log.Fatal("Invalid permissions", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	token, err := auth.NewJWTService(cfg.JWT).GenerateToken(operator, perms, ttl)
	if err != nil {
		log.Fatal("Failed to generate token", zap.Error(err))
	}
	log.Info("Token issued",
		zap.String("operator", operator),
		zap.Strings("permissions", perms),
		zap.Time("expires_at", token.ExpiresAt),
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(token); err != nil {
		log.Fatal("Failed to write token", zap.Error(err))
	}
}

func parsePermissions(raw string) ([]string, error) {
	known := map[string]bool{
		auth.PermissionSyncRead:    true,
		auth.PermissionSyncTrigger: true,
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !known[p] {
			return nil, fmt.Errorf("unknown permission %q", p)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one permission is required")
	}
	return out, nil
}
