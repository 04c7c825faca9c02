// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// verify-store-boundary enforces the single-datastore rule: only
// internal/store may import database/sql or the SQLite driver. Run it from
// the repository root:
//
//	go run ./scripts/verify-store-boundary.go
package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/tools/go/packages"
)

var forbidden = []string{
	"database/sql",
	"modernc.org/sqlite",
}

const allowedPackage = "github.com/ManuGH/sorad/internal/store"

func main() {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedFiles}
	pkgs, err := packages.Load(cfg, "github.com/ManuGH/sorad/...")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load: %v\n", err)
		os.Exit(2)
	}

	violations := 0
	for _, pkg := range pkgs {
		if pkg.PkgPath == allowedPackage || strings.HasPrefix(pkg.PkgPath, allowedPackage+".") {
			continue
		}
		for imp := range pkg.Imports {
			for _, bad := range forbidden {
				if imp == bad {
					fmt.Fprintf(os.Stderr, "%s imports %s; SQL access belongs in internal/store\n", pkg.PkgPath, imp)
					violations++
				}
			}
		}
	}
	if violations > 0 {
		os.Exit(1)
	}
	fmt.Println("store boundary intact")
}
