//
// Copyright (C) 2026 dygram authors. All rights reserved.
//
// dygram-go is licensed under the Apache License Version 2.0.
//
//

package machine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCheckImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "common.json", `{
	  "nodes": [{"name": "shared", "type": "state"}]
	}`)
	root := writeFile(t, dir, "main.json", `{
	  "title": "main",
	  "imports": ["common.json"],
	  "nodes": [{"name": "start"}],
	  "edges": [{"source": "start", "target": "shared"}]
	}`)

	order, err := CheckImports(root)
	require.NoError(t, err)
	require.Len(t, order, 2)
	// Imports come before importers.
	assert.Equal(t, "common.json", filepath.Base(order[0]))
	assert.Equal(t, "main.json", filepath.Base(order[1]))
}

func TestCheckImportsCircular(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"imports": ["b.json"], "nodes": [{"name": "a"}]}`)
	path := writeFile(t, dir, "b.json", `{"imports": ["a.json"], "nodes": [{"name": "b"}]}`)

	_, err := CheckImports(path)
	require.Error(t, err)
	var ge *GraphError
	require.ErrorAs(t, err, &ge)
	assert.Contains(t, err.Error(), "circular import")
}

func TestCheckImportsMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "main.json", `{"imports": ["gone.json"], "nodes": [{"name": "a"}]}`)

	_, err := CheckImports(path)
	require.Error(t, err)
	var ge *GraphError
	require.ErrorAs(t, err, &ge)
}

func TestLoadFileBundles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "common.json", `{
	  "title": "common",
	  "nodes": [{"name": "shared", "type": "state"}]
	}`)
	root := writeFile(t, dir, "main.json", `{
	  "title": "main",
	  "imports": ["common.json"],
	  "nodes": [{"name": "start"}],
	  "edges": [{"source": "start", "target": "shared"}]
	}`)

	m, err := LoadFile(root)
	require.NoError(t, err)
	// The root file's title wins over the imported one.
	assert.Equal(t, "main", m.Title)
	require.Len(t, m.Nodes, 2)
	assert.Equal(t, "shared", m.Nodes[0].Name)
	assert.Equal(t, "start", m.Nodes[1].Name)
	require.Len(t, m.Edges, 1)
}

func TestLoadFileDiamond(t *testing.T) {
	// base is imported twice through two intermediaries; nodes must not
	// be duplicated.
	dir := t.TempDir()
	writeFile(t, dir, "base.json", `{"nodes": [{"name": "base", "type": "state"}]}`)
	writeFile(t, dir, "left.json", `{"imports": ["base.json"], "nodes": [{"name": "left"}]}`)
	writeFile(t, dir, "right.json", `{"imports": ["base.json"], "nodes": [{"name": "right"}]}`)
	root := writeFile(t, dir, "main.json", `{
	  "imports": ["left.json", "right.json"],
	  "nodes": [{"name": "start"}]
	}`)

	m, err := LoadFile(root)
	require.NoError(t, err)
	assert.Len(t, m.Nodes, 4)
}
