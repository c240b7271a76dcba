package reviewapprove

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	quarantined map[string]bool
	approved    []string
	unregistered []string
}

func newFakeRegistry(names ...string) *fakeRegistry {
	q := map[string]bool{}
	for _, n := range names {
		q[n] = true
	}
	return &fakeRegistry{quarantined: q}
}

func (f *fakeRegistry) IsQuarantined(name string) bool { return f.quarantined[name] }
func (f *fakeRegistry) Approve(name string)            { delete(f.quarantined, name); f.approved = append(f.approved, name) }
func (f *fakeRegistry) Unregister(name string)          { delete(f.quarantined, name); f.unregistered = append(f.unregistered, name) }

func TestApproveReleasesFromQuarantine(t *testing.T) {
	reg := newFakeRegistry("new_tool")
	tool := New(reg)

	res, err := tool.Execute(context.Background(), []byte(`{"tool_name":"new_tool","decision":"approve"}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, reg.approved, "new_tool")
	require.False(t, reg.IsQuarantined("new_tool"))
}

func TestRejectUnregistersTool(t *testing.T) {
	reg := newFakeRegistry("bad_tool")
	tool := New(reg)

	res, err := tool.Execute(context.Background(), []byte(`{"tool_name":"bad_tool","decision":"reject"}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, reg.unregistered, "bad_tool")
}

func TestRejectsNonQuarantinedTool(t *testing.T) {
	reg := newFakeRegistry()
	tool := New(reg)

	res, err := tool.Execute(context.Background(), []byte(`{"tool_name":"unknown","decision":"approve"}`))
	require.NoError(t, err)
	require.True(t, res.IsError)
}
