package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"

	"github.com/aixone/authz"
	"github.com/aixone/authz/logger"
	"github.com/aixone/authz/stores"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "decide":
		handleDecide()
	case "explain":
		handleExplain()
	case "import":
		handleImport()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("authz-config - Configuration tool for the authorization engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  authz-config convert <input> <output>                          - Convert between formats")
	fmt.Println("  authz-config validate <file>                                   - Validate configuration")
	fmt.Println("  authz-config stats <file>                                      - Show configuration statistics")
	fmt.Println("  authz-config decide <file>                                     - Evaluate the requests listed in the file")
	fmt.Println("  authz-config explain <file> <tenant> <principal> <method> <path> - Trace a single decision")
	fmt.Println("  authz-config import <file> <sqlite-db>                         - Seed a SQLite database")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json, .authz (DSL)")
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func handleConvert() {
	if len(os.Args) < 4 {
		fail("Usage: authz-config convert <input> <output>")
	}
	inputFile, outputFile := os.Args[2], os.Args[3]
	cfg := mustLoad(inputFile)
	if err := saveConfig(cfg, outputFile); err != nil {
		fail("Error saving config: %v", err)
	}
	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fail("Usage: authz-config validate <file>")
	}
	cfg := mustLoad(os.Args[2])
	if err := cfg.Validate(); err != nil {
		fail("Invalid configuration: %v", err)
	}
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Tenants: %d\n", len(tenants(cfg)))
	fmt.Printf("  Rules: %d\n", len(cfg.Rules))
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Memberships: %d\n", len(cfg.Memberships))
}

func handleStats() {
	if len(os.Args) < 3 {
		fail("Usage: authz-config stats <file>")
	}
	filename := os.Args[2]
	cfg := mustLoad(filename)
	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Tenants:     %s\n", strings.Join(tenants(cfg), ", "))
	fmt.Printf("  Permissions: %d\n", len(cfg.Permissions))
	fmt.Printf("  Roles:       %d\n", len(cfg.Roles))
	fmt.Printf("  Memberships: %d\n", len(cfg.Memberships))
	fmt.Printf("  Principals:  %d\n", len(cfg.Principals))
	fmt.Printf("  Rules:       %d\n", len(cfg.Rules))
	fmt.Printf("  Policies:    %d\n", len(cfg.Policies))
	fmt.Println()

	if len(cfg.Rules) > 0 {
		disabled := 0
		for _, r := range cfg.Rules {
			if r.Disabled {
				disabled++
			}
		}
		fmt.Println("Rule Details:")
		fmt.Printf("  Enabled:  %d\n", len(cfg.Rules)-disabled)
		fmt.Printf("  Disabled: %d\n", disabled)
		fmt.Println()
	}

	if len(cfg.Roles) > 0 {
		totalPerms := 0
		for _, r := range cfg.Roles {
			totalPerms += len(r.PermissionIDs)
		}
		fmt.Println("Role Details:")
		fmt.Printf("  Total permissions: %d\n", totalPerms)
		fmt.Printf("  Avg per role:      %.1f\n", float64(totalPerms)/float64(len(cfg.Roles)))
		fmt.Println()
	}

	ec := cfg.Engine
	fmt.Println("Engine Configuration:")
	fmt.Printf("  Cache TTL:          %dms\n", ec.CacheTTL)
	fmt.Printf("  Cache grace:        %dms\n", ec.CacheGrace)
	fmt.Printf("  Cache shards:       %d\n", ec.CacheShards)
	fmt.Printf("  Sweep interval:     %dms\n", ec.SweepInterval)
	fmt.Printf("  Store timeout:      %dms\n", ec.StoreTimeout)
	fmt.Printf("  Protected prefixes: %s\n", strings.Join(ec.ProtectedPrefixes, ", "))
}

func handleDecide() {
	if len(os.Args) < 3 {
		fail("Usage: authz-config decide <file>")
	}
	cfg := mustLoad(os.Args[2])
	if len(cfg.Requests) == 0 {
		fail("No requests in %s", os.Args[2])
	}
	engine := mustEngine(cfg)
	defer engine.Close()

	decisions := engine.BatchDecide(context.Background(), cfg.Requests)
	denied := 0
	for i, d := range decisions {
		req := cfg.Requests[i]
		verdict := "ALLOW"
		if !d.Allowed {
			verdict = "DENY "
			denied++
		}
		fmt.Printf("%s %-18s %s/%s %s %s", verdict, d.Reason, req.TenantID, req.PrincipalID, strings.ToUpper(req.Method), req.Path)
		if d.MatchedBy != "" {
			fmt.Printf(" (by %s)", d.MatchedBy)
		}
		fmt.Println()
	}
	fmt.Printf("\n%d requests, %d denied\n", len(decisions), denied)
}

func handleExplain() {
	if len(os.Args) < 7 {
		fail("Usage: authz-config explain <file> <tenant> <principal> <method> <path>")
	}
	cfg := mustLoad(os.Args[2])
	engine := mustEngine(cfg)
	defer engine.Close()

	d := engine.Explain(context.Background(), os.Args[3], os.Args[4], os.Args[6], os.Args[5], nil)
	for _, line := range d.Trace {
		fmt.Printf("  %s\n", line)
	}
	fmt.Printf("allowed=%v reason=%s\n", d.Allowed, d.Reason)
}

func handleImport() {
	if len(os.Args) < 4 {
		fail("Usage: authz-config import <file> <sqlite-db>")
	}
	cfg := mustLoad(os.Args[2])
	if err := cfg.Validate(); err != nil {
		fail("Invalid configuration: %v", err)
	}
	sqlDB, err := sql.Open("sqlite", os.Args[3])
	if err != nil {
		fail("Error opening database: %v", err)
	}
	defer sqlDB.Close()
	db := squealx.NewDb(sqlDB, "sqlite", "authz")

	ctx := context.Background()
	if err := stores.Migrate(ctx, db); err != nil {
		fail("Error migrating database: %v", err)
	}
	store := stores.NewSQLStore(db)
	if err := cfg.Seed(ctx, store); err != nil {
		fail("Error importing config: %v", err)
	}
	fmt.Printf("Imported %s into %s\n", os.Args[2], os.Args[3])
	for _, tenantID := range tenants(cfg) {
		ts, err := store.LastModified(ctx, tenantID)
		if err != nil {
			fail("Error reading tenant %s: %v", tenantID, err)
		}
		fmt.Printf("  %s: last modified %s\n", tenantID, ts.Format("2006-01-02 15:04:05"))
	}
}

func mustLoad(filename string) *authz.Config {
	cfg, err := loadConfig(filename)
	if err != nil {
		fail("Error loading config: %v", err)
	}
	return cfg
}

// mustEngine seeds an in-memory store from cfg and builds an engine with the
// config's engine settings
func mustEngine(cfg *authz.Config) *authz.Engine {
	if err := cfg.Validate(); err != nil {
		fail("Invalid configuration: %v", err)
	}
	store := stores.NewMemoryStore()
	if err := cfg.Seed(context.Background(), store); err != nil {
		fail("Error seeding store: %v", err)
	}
	opts := append(cfg.Options(),
		authz.WithLogger(logger.NewLog("component", "authz-config")),
		authz.WithTraceIDFunc(uuid.NewString),
	)
	engine, err := authz.NewEngine(store, opts...)
	if err != nil {
		fail("Error creating engine: %v", err)
	}
	return engine
}

func tenants(cfg *authz.Config) []string {
	seen := make(map[string]struct{})
	add := func(id string) {
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	for _, p := range cfg.Permissions {
		add(p.TenantID)
	}
	for _, r := range cfg.Roles {
		add(r.TenantID)
	}
	for _, m := range cfg.Memberships {
		add(m.TenantID)
	}
	for _, p := range cfg.Principals {
		add(p.TenantID)
	}
	for _, r := range cfg.Rules {
		add(r.TenantID)
	}
	for _, p := range cfg.Policies {
		add(p.TenantID)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func loadConfig(filename string) (*authz.Config, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml", ".json", ".authz", ".dsl":
		return authz.NewConfigLoader().LoadFile(filename)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func saveConfig(cfg *authz.Config, filename string) error {
	var data []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".authz", ".dsl":
		data, err = cfg.ToDSL()
	default:
		return fmt.Errorf("unsupported file format: %s", ext)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
