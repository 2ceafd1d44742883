//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package machine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// document is the raw file shape before import resolution. The
// optional imports list names machine files merged into this one.
type document struct {
	Title   string            `json:"title,omitempty"`
	Imports []string          `json:"imports,omitempty"`
	Nodes   []json.RawMessage `json:"nodes"`
	Edges   []json.RawMessage `json:"edges,omitempty"`
}

// CheckImports resolves the import closure of a machine file and
// returns every file visited in dependency order (imports before
// importers). Circular or unresolvable imports are GraphErrors.
func CheckImports(path string) ([]string, error) {
	var order []string
	seen := map[string]bool{}
	stack := map[string]bool{}
	if err := walkImports(path, seen, stack, &order); err != nil {
		return nil, err
	}
	return order, nil
}

func walkImports(path string, seen, stack map[string]bool, order *[]string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if stack[abs] {
		return graphErrorf("circular import of %s", path)
	}
	if seen[abs] {
		return nil
	}
	doc, err := readDocument(abs)
	if err != nil {
		return err
	}
	stack[abs] = true
	for _, imp := range doc.Imports {
		if err := walkImports(resolveImport(abs, imp), seen, stack, order); err != nil {
			return err
		}
	}
	stack[abs] = false
	seen[abs] = true
	*order = append(*order, abs)
	return nil
}

// Bundle merges a machine file and its import closure into a single
// self-contained machine document. Imported nodes and edges come
// first; the root file's title wins.
func Bundle(path string) ([]byte, error) {
	order, err := CheckImports(path)
	if err != nil {
		return nil, err
	}
	merged := document{}
	for _, file := range order {
		doc, err := readDocument(file)
		if err != nil {
			return nil, err
		}
		merged.Nodes = append(merged.Nodes, doc.Nodes...)
		merged.Edges = append(merged.Edges, doc.Edges...)
		merged.Title = doc.Title
	}
	data, err := json.MarshalIndent(struct {
		Title string            `json:"title,omitempty"`
		Nodes []json.RawMessage `json:"nodes"`
		Edges []json.RawMessage `json:"edges,omitempty"`
	}{merged.Title, merged.Nodes, merged.Edges}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal bundled machine: %w", err)
	}
	return data, nil
}

// LoadFile reads, bundles and parses a machine file.
func LoadFile(path string) (*Machine, error) {
	data, err := Bundle(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func readDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, graphErrorf("read machine file %s: %v", path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, graphErrorf("malformed machine file %s: %v", path, err)
	}
	return &doc, nil
}

// resolveImport resolves an import path relative to the importing
// file's directory.
func resolveImport(importer, imp string) string {
	if filepath.IsAbs(imp) {
		return imp
	}
	return filepath.Join(filepath.Dir(importer), imp)
}
