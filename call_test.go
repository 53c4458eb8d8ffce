package guardian

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch(t *testing.T) {
	var gotArgs []interface{}
	var gotCriteria, gotID interface{}

	resource := &ResourceFuncs{
		ResourceName: "Lead",
		ListFunc: func(ctx context.Context, args ...interface{}) (interface{}, error) {
			gotArgs = args
			return "list", nil
		},
		FilterFunc: func(ctx context.Context, criteria interface{}) (interface{}, error) {
			gotCriteria = criteria
			return "filter", nil
		},
		GetFunc: func(ctx context.Context, id interface{}) (interface{}, error) {
			gotID = id
			return "get", nil
		},
	}
	ctx := context.Background()

	resp, err := Dispatch(ctx, &Call{Resource: resource, Operation: OpList, Params: []interface{}{"-created_date", 50}})
	require.NoError(t, err)
	assert.Equal(t, "list", resp)
	assert.Equal(t, []interface{}{"-created_date", 50}, gotArgs)

	criteria := map[string]interface{}{"status": "won"}
	resp, err = Dispatch(ctx, &Call{Resource: resource, Operation: OpFilter, Params: criteria})
	require.NoError(t, err)
	assert.Equal(t, "filter", resp)
	assert.Equal(t, criteria, gotCriteria)

	resp, err = Dispatch(ctx, &Call{Resource: resource, Operation: OpGet, Params: "lead-1"})
	require.NoError(t, err)
	assert.Equal(t, "get", resp)
	assert.Equal(t, "lead-1", gotID)

	_, err = Dispatch(ctx, &Call{Resource: resource, Operation: "delete"})
	assert.True(t, errors.Is(err, ErrUnsupportedOperation))
}

func TestListArgs(t *testing.T) {
	tests := []struct {
		name   string
		params interface{}
		want   []interface{}
	}{
		{name: "nil", params: nil, want: nil},
		{name: "interface slice", params: []interface{}{"name", 10}, want: []interface{}{"name", 10}},
		{name: "typed slice", params: []string{"-updated_date"}, want: []interface{}{"-updated_date"}},
		{name: "array", params: [2]int{1, 2}, want: []interface{}{1, 2}},
		{name: "map is not positional", params: map[string]int{"a": 1}, want: nil},
		{name: "scalar is not positional", params: "name", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, listArgs(tt.params))
		})
	}
}

func TestOperation_Valid(t *testing.T) {
	assert.True(t, OpList.Valid())
	assert.True(t, OpFilter.Valid())
	assert.True(t, OpGet.Valid())
	assert.False(t, Operation("delete").Valid())
	assert.False(t, Operation("").Valid())
}

func TestResourceFuncs_Unsupported(t *testing.T) {
	resource := &ResourceFuncs{ResourceName: "User"}

	_, err := resource.List(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	_, err = resource.Filter(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	_, err = resource.Get(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
}
