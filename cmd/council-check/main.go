// Command council-check runs pre-flight diagnostics against a council
// deployment: API reachability, auth guard, Redis and the Postgres config
// schema. Exit code 1 when any check fails.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"
)

type Component struct {
	Name string
	Test func(ctx context.Context) error
}

// errSkipped marks checks whose backing service is not configured.
var errSkipped = errors.New("not configured")

func main() {
	_ = godotenv.Load()

	baseURL := envOr("COUNCIL_API_URL", "http://localhost:8080")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	databaseURL := os.Getenv("DATABASE_URL")

	fmt.Println("\033[96mCouncil Proxy - Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	components := []Component{
		{"API Layer (health)", func(ctx context.Context) error { return checkHealth(ctx, baseURL) }},
		{"Auth Guard (401)", func(ctx context.Context) error { return checkAuthGuard(ctx, baseURL) }},
		{"Registry Layer (Redis)", func(ctx context.Context) error { return checkRedis(ctx, redisAddr) }},
		{"Config Layer (Postgres)", func(ctx context.Context) error { return checkConfigSchema(ctx, databaseURL) }},
	}

	failed := 0
	for _, c := range components {
		fmt.Printf("Checking %-25s ", c.Name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.Test(ctx)
		cancel()
		switch {
		case errors.Is(err, errSkipped):
			fmt.Println("\033[33m[SKIP]\033[0m")
		case err != nil:
			failed++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
		default:
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: Ready for council traffic.\033[0m")
}

func checkHealth(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health body: %w", err)
	}
	if body.Status != "healthy" {
		return fmt.Errorf("status %q", body.Status)
	}
	return nil
}

// checkAuthGuard confirms the protected surface rejects anonymous calls.
func checkAuthGuard(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/presets", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("anonymous request got %d, want 401", resp.StatusCode)
	}
	return nil
}

func checkRedis(ctx context.Context, addr string) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()
	return rdb.Ping(ctx).Err()
}

// checkConfigSchema verifies the council_configs table answers. A missing
// DATABASE_URL is a skip: the server falls back to compiled defaults.
func checkConfigSchema(ctx context.Context, databaseURL string) error {
	if databaseURL == "" {
		return errSkipped
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM council_configs WHERE active = true`).Scan(&count); err != nil {
		return fmt.Errorf("council_configs not readable: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
