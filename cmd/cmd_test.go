package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, out)
	return out
}

func TestCLIDocuments(t *testing.T) {
	uri := "sqlite://" + filepath.Join(t.TempDir(), "cli.db")
	base := []string{"--uri", uri, "--db", "shop"}
	with := func(args ...string) []string { return append(append([]string{}, base...), args...) }

	out := mustRun(t, with("ping")...)
	assert.Contains(t, out, `"backend":"sqlite"`)
	assert.Contains(t, out, `"database":"shop"`)

	out = mustRun(t, with("insert", "items",
		`[{"_id": 1, "sku": "a", "qty": 5}, {"_id": 2, "sku": "b", "qty": 0}, {"_id": 3, "sku": "c", "qty": 12}]`)...)
	assert.Equal(t, `{"insertedCount":3,"insertedIds":[1,2,3]}`+"\n", out)

	out = mustRun(t, with("find", "items", "-f", `{"qty": {"$gt": 1}}`, "--sort", `{"qty": -1}`)...)
	assert.Equal(t, `{"_id":3,"sku":"c","qty":12}`+"\n"+`{"_id":1,"sku":"a","qty":5}`+"\n", out)

	out = mustRun(t, with("count", "items")...)
	assert.Equal(t, "3\n", out)

	out = mustRun(t, with("update", "items", `{"sku": "b"}`, `{"$inc": {"qty": 4}}`)...)
	assert.Contains(t, out, `"matchedCount":1`)
	assert.Contains(t, out, `"modifiedCount":1`)

	out = mustRun(t, with("aggregate", "items",
		`[{"$match": {"qty": {"$gte": 4}}}, {"$group": {"_id": null, "total": {"$sum": "$qty"}}}]`)...)
	assert.Equal(t, `{"_id":null,"total":21}`+"\n", out)

	out = mustRun(t, with("delete", "items", `{"qty": {"$lt": 10}}`, "--many")...)
	assert.Equal(t, `{"deletedCount":2}`+"\n", out)

	out = mustRun(t, with("collections")...)
	assert.Equal(t, `["items"]`+"\n", out)

	out = mustRun(t, with("-o", "yaml", "find", "items")...)
	assert.Equal(t, "---\n_id: 3\nsku: c\nqty: 12\n", out)
}

func TestCLIIndexes(t *testing.T) {
	uri := "sqlite://" + filepath.Join(t.TempDir(), "idx.db")
	base := []string{"--uri", uri}
	with := func(args ...string) []string { return append(append([]string{}, base...), args...) }

	out := mustRun(t, with("index", "create", "users", `{"email": 1}`, "--unique")...)
	assert.Equal(t, `{"name":"email_1"}`+"\n", out)

	mustRun(t, with("insert", "users", `{"email": "a@x.io"}`)...)
	out, err := run(t, with("insert", "users", `{"email": "a@x.io"}`)...)
	require.Error(t, err, out)
	assert.Contains(t, err.Error(), "email_1")

	out = mustRun(t, with("index", "list", "users")...)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"name":"_id_"`)
	assert.Contains(t, lines[1], `"name":"email_1"`)
	assert.Contains(t, lines[1], `"unique":true`)

	mustRun(t, with("index", "drop", "users", "email_1")...)
	out = mustRun(t, with("index", "list", "users")...)
	assert.NotContains(t, out, "email_1")
}

func TestCLIErrors(t *testing.T) {
	uri := "sqlite://" + filepath.Join(t.TempDir(), "err.db")

	_, err := run(t, "--uri", uri, "find", "items", "-f", `{not json`)
	assert.ErrorContains(t, err, "invalid document")

	_, err = run(t, "--uri", uri, "-o", "xml", "count", "items")
	assert.ErrorContains(t, err, "unsupported output format")

	_, err = run(t, "--uri", uri, "count", "bad name")
	assert.ErrorContains(t, err, "Invalid table name")

	_, err = run(t, "--uri", "mysql://localhost/app", "ping")
	assert.Error(t, err)

	_, err = run(t, "find")
	assert.Error(t, err)
}

func TestParseDocs(t *testing.T) {
	docs, err := parseDocs(`{"a": 1}`)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0][0].Key)
	assert.Equal(t, int32(1), docs[0][0].Value)

	docs, err = parseDocs(` [{"a": 1}, {"b": {"$date": "2024-01-02T00:00:00Z"}}] `)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	docs, err = parseDocs("")
	require.NoError(t, err)
	assert.Len(t, docs[0], 0)
}

func TestVersion(t *testing.T) {
	out := mustRun(t, "version")
	assert.Contains(t, out, "docbridge")
}
