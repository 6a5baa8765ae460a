package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-co/pulse-laravel-sub005/outcome"
	"github.com/fulcrum-co/pulse-laravel-sub005/runner"
)

const ruleFileYAML = `org_id: lincoln
derived:
  - name: risk_score
    expression: academic.failing_classes_count * 2.0
rules:
  - id: failing-classes
    name: Failing classes
    category: intervention_alert
    condition:
      all:
        - field: academic.failing_classes_count
          operator: greater_than_or_equal
          value: 2
    output_action: notify
    output_config:
      template_key: academic_alert
      recipient_roles: [counselor]
    cooldown_hours: 24
    active: true
  - id: high-risk
    name: High derived risk
    category: intervention_alert
    condition:
      field: derived.risk_score
      operator: greater_than
      value: 5
    output_action: notify
    output_config:
      template_key: default
      recipients: [counselor@school.org]
    cooldown_hours: 24
    active: false
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func snapshotDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `[
		{"contact_id": "s1", "snapshot": {"academic": {"failing_classes_count": 3}}},
		{"contact_id": "s2", "snapshot": {"academic": {"failing_classes_count": 0}}}
	]`)
	writeFile(t, dir, "b.jsonl", `{"contact_id": "s3", "snapshot": {"academic": {"failing_classes_count": 2}}}

{"contact_id": "s4", "snapshot": {"academic": {"failing_classes_count": 1}}}
`)
	writeFile(t, dir, "notes.txt", "ignored")
	return dir
}

func replay(t *testing.T, opts options) *runner.BatchReport {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, run(context.Background(), opts, func(_ context.Context, loc string) ([]runner.Contact, error) {
		return loadLocal(loc)
	}, &buf))

	var report runner.BatchReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &report), buf.String())
	return &report
}

func TestReplay_ActiveRulesOnly(t *testing.T) {
	rulesPath := writeFile(t, t.TempDir(), "rules.yaml", ruleFileYAML)

	report := replay(t, options{rulesPath: rulesPath, snapshots: snapshotDir(t), concurrency: 2})

	assert.False(t, report.Live)
	assert.Equal(t, 4, report.Evaluated)
	assert.Equal(t, 2, report.Fired)
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, "s1", report.Outcomes[0].ContactID)
	assert.Equal(t, "s3", report.Outcomes[1].ContactID)
	for _, o := range report.Outcomes {
		assert.Equal(t, "lincoln", o.OrgID)
		assert.Equal(t, outcome.DispatchSkipped, o.DispatchResult)
	}
}

func TestReplay_IncludeInactiveUsesDerivedSignals(t *testing.T) {
	rulesPath := writeFile(t, t.TempDir(), "rules.yaml", ruleFileYAML)

	report := replay(t, options{
		rulesPath:       rulesPath,
		snapshots:       snapshotDir(t),
		includeInactive: true,
		concurrency:     2,
	})

	assert.Equal(t, 8, report.Evaluated)
	// high-risk matches only s1 (risk_score 6).
	var highRisk []string
	for _, o := range report.Outcomes {
		if o.RuleID == "high-risk" {
			highRisk = append(highRisk, o.ContactID)
		}
	}
	assert.Equal(t, []string{"s1"}, highRisk)
}

func TestReplay_SelectedRule(t *testing.T) {
	rulesPath := writeFile(t, t.TempDir(), "rules.yaml", ruleFileYAML)

	report := replay(t, options{
		rulesPath:   rulesPath,
		snapshots:   snapshotDir(t),
		ruleIDs:     []string{"high-risk"},
		concurrency: 1,
	})
	assert.Equal(t, 4, report.Evaluated)
	assert.Equal(t, 1, report.Fired)
}

func TestReplay_Errors(t *testing.T) {
	dir := t.TempDir()
	rulesPath := writeFile(t, dir, "rules.yaml", ruleFileYAML)
	empty := t.TempDir()
	load := func(_ context.Context, loc string) ([]runner.Contact, error) { return loadLocal(loc) }

	tests := []struct {
		name string
		opts options
	}{
		{"missing flags", options{}},
		{"missing rule file", options{rulesPath: filepath.Join(dir, "nope.yaml"), snapshots: empty}},
		{"no snapshots", options{rulesPath: rulesPath, snapshots: empty}},
		{"unknown rule", options{rulesPath: rulesPath, snapshots: snapshotDir(t), ruleIDs: []string{"missing"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.opts, load, io.Discard)
			assert.Error(t, err)
		})
	}
}

func TestDecodeContacts(t *testing.T) {
	single, err := decodeContacts("one.json", strings.NewReader(`{"contact_id": "s1", "snapshot": {"a": {"b": 1}}}`))
	require.NoError(t, err)
	require.Len(t, single, 1)
	v, found := single[0].Snapshot.Resolve("a.b")
	assert.True(t, found)
	assert.Equal(t, float64(1), v)

	_, err = decodeContacts("bad.jsonl", strings.NewReader("{\"contact_id\": \"s1\"}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.jsonl:2")
}

func TestParseS3URL(t *testing.T) {
	bucket, prefix, err := parseS3URL("s3://pulse-snapshots/2026/03/")
	require.NoError(t, err)
	assert.Equal(t, "pulse-snapshots", bucket)
	assert.Equal(t, "2026/03/", prefix)

	_, _, err = parseS3URL("s3:///prefix")
	assert.Error(t, err)
	_, _, err = parseS3URL("/local/path")
	assert.Error(t, err)
}

func TestInferSchema(t *testing.T) {
	contacts, err := loadLocal(snapshotDir(t))
	require.NoError(t, err)

	schema := inferSchema(contacts)
	assert.Equal(t, "number", schema["academic"]["failing_classes_count"])
}

type fakeS3 struct {
	objects map[string]string
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
		}
	}
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestLoadS3(t *testing.T) {
	client := &fakeS3{objects: map[string]string{
		"march/b.json":  `{"contact_id": "s2", "snapshot": {}}`,
		"march/a.jsonl":  `{"contact_id": "s1", "snapshot": {}}`,
		"march/readme":  "skip",
		"april/c.json":  `{"contact_id": "s3", "snapshot": {}}`,
	}}

	contacts, err := loadS3(context.Background(), client, "bucket", "march/")
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "s1", contacts[0].ID)
	assert.Equal(t, "s2", contacts[1].ID)
}
