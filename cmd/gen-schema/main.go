// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Command gen-schema writes the JSON Schema for plugin.yaml manifests.
// With --check it fails instead when the file on disk is stale.
package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	plugins "github.com/shellbe/shellbe/internal/plugin"
)

func main() {
	out := pflag.StringP("out", "o", filepath.Join("schemas", "plugin.schema.json"), "schema output path")
	check := pflag.Bool("check", false, "exit non-zero if the schema on disk is out of date")
	pflag.Parse()

	if err := run(*out, *check); err != nil {
		fmt.Fprintf(os.Stderr, "gen-schema: %v\n", err)
		os.Exit(1)
	}
}

func run(outPath string, check bool) error {
	schema, err := plugins.GenerateSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}

	if check {
		existing, err := os.ReadFile(outPath) //nolint:gosec // developer-supplied path
		if err != nil {
			return fmt.Errorf("read %s: %w", outPath, err)
		}
		if !bytes.Equal(existing, schema) {
			return fmt.Errorf("%s is out of date; run gen-schema", outPath)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(outPath, schema, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Printf("Generated %s\n", outPath)
	return nil
}
