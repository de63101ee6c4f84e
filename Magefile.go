//go:build mage
// +build mage

package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	_ "modernc.org/sqlite"
)

// Build builds the animforge binary
func Build() error {
	mg.Deps(Lint, Test)

	fmt.Println("Building animforge...")

	return sh.RunV("go", "build",
		"-o", "bin/animforge",
		"-ldflags", "-s -w",
		".")
}

// Test runs all tests
func Test() error {
	fmt.Println("Running tests...")
	return sh.RunV("go", "test", "-v", "-race", "-coverprofile=coverage.out", "./...")
}

// Lint runs golangci-lint
func Lint() error {
	fmt.Println("Running linters...")
	return sh.RunV("golangci-lint", "run", "--config", ".golangci.yml")
}

// LintFix runs linters with auto-fix
func LintFix() error {
	fmt.Println("Running linters with auto-fix...")
	return sh.RunV("golangci-lint", "run", "--fix", "--config", ".golangci.yml")
}

// Check runs lint + test + build
func Check() error {
	mg.Deps(Lint, Test, Build)
	fmt.Println("✅ Full check passed")
	return nil
}

// InitArchive opens the archive database and reports its schema state
func InitArchive() error {
	path := os.Getenv("ANIMFORGE_ARCHIVE")
	if path == "" {
		path = "animforge.db"
	}

	fmt.Printf("Initializing archive at %s...\n", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply pragma: %w", err)
		}
	}

	required := []string{"sessions", "llm_usage", "latency_histogram"}
	for _, table := range required {
		var exists bool
		err = db.QueryRow(`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name=?)`,
			table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			fmt.Printf("  ℹ️  table %s missing, will be created on first start\n", table)
			continue
		}
		fmt.Printf("  ✓ %s\n", table)
	}

	return nil
}

// Clean removes build artifacts
func Clean() error {
	fmt.Println("Cleaning...")
	os.RemoveAll("bin")
	os.RemoveAll("coverage.out")
	return nil
}

// Run builds and runs the worker
func Run() error {
	mg.Deps(Build)

	return sh.RunV(filepath.Join("bin", "animforge"))
}
