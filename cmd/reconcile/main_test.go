package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/ticketdesk/internal/reconcile"
)

type fakePlanner struct {
	plan     reconcile.Plan
	err      error
	applied  bool
	cleanups int
}

func (f *fakePlanner) Plan(context.Context) (reconcile.Plan, error) {
	return f.plan, f.err
}

func (f *fakePlanner) Apply(context.Context) (reconcile.Plan, int64, error) {
	if f.err != nil {
		return reconcile.Plan{}, 0, f.err
	}
	f.applied = true
	return f.plan, int64(len(f.plan.Delete)), nil
}

func (f *fakePlanner) open(context.Context) (planner, func(), error) {
	return f, func() { f.cleanups++ }, nil
}

func execute(t *testing.T, f *fakePlanner, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(f.open)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func samplePlan() reconcile.Plan {
	return reconcile.Plan{
		SourceMessageGroups: []reconcile.Group{{Key: "<m1@example.com>", Keep: "VEN-1", Delete: []string{"VEN-2"}}},
		HeuristicGroups:     []reconcile.Group{{Key: "fp", Keep: "VEN-3", Delete: []string{"VEN-4"}}},
		Delete:              []string{"VEN-2", "VEN-4"},
	}
}

func TestDryRunPrintsSummary(t *testing.T) {
	f := &fakePlanner{plan: samplePlan()}

	stdout, stderr, err := execute(t, f)
	require.NoError(t, err)
	assert.False(t, f.applied)
	assert.Equal(t, 1, f.cleanups)
	assert.Contains(t, stderr, "Dry run")

	var summary map[string]int
	require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
	assert.Equal(t, map[string]int{
		"source_message_duplicate_groups": 1,
		"heuristic_duplicate_groups":      1,
		"tickets_to_delete":               2,
	}, summary)
}

func TestApplyReportsDeleted(t *testing.T) {
	f := &fakePlanner{plan: samplePlan()}

	stdout, _, err := execute(t, f, "--apply")
	require.NoError(t, err)
	assert.True(t, f.applied)

	dec := json.NewDecoder(bytes.NewBufferString(stdout))
	var summary reconcile.Summary
	require.NoError(t, dec.Decode(&summary))
	assert.Equal(t, 2, summary.TicketsToDelete)

	var result struct {
		Deleted int64 `json:"deleted"`
	}
	require.NoError(t, dec.Decode(&result))
	assert.Equal(t, int64(2), result.Deleted)
}

func TestGroupsFlagPrintsPlan(t *testing.T) {
	f := &fakePlanner{plan: samplePlan()}

	stdout, _, err := execute(t, f, "--groups")
	require.NoError(t, err)

	var plan reconcile.Plan
	require.NoError(t, json.Unmarshal([]byte(stdout), &plan))
	assert.Equal(t, samplePlan(), plan)
}

func TestErrorsAreReported(t *testing.T) {
	f := &fakePlanner{err: errors.New("boom")}

	_, stderr, err := execute(t, f, "--apply")
	require.Error(t, err)
	assert.False(t, f.applied)
	assert.Contains(t, stderr, "boom")
	assert.Equal(t, 1, f.cleanups)
}

func TestRejectsArguments(t *testing.T) {
	_, _, err := execute(t, &fakePlanner{}, "extra")
	assert.Error(t, err)
}
