package guardian

import (
	"context"
	"reflect"
)

// Operation is a read verb supported by the entity API
type Operation string

// Supported read operations
const (
	OpList   Operation = "list"
	OpFilter Operation = "filter"
	OpGet    Operation = "get"
)

// Valid reports whether the operation can be dispatched
func (o Operation) Valid() bool {
	switch o {
	case OpList, OpFilter, OpGet:
		return true
	default:
		return false
	}
}

// Resource is a named kind of backend entity (Lead, Proposal, Document...)
type Resource interface {
	// Name identifies the resource kind; it prefixes every cache key
	Name() string

	// List returns records, typically taking a sort field and a limit
	List(ctx context.Context, args ...interface{}) (interface{}, error)

	// Filter returns records matching criteria
	Filter(ctx context.Context, criteria interface{}) (interface{}, error)

	// Get returns a single record by identifier
	Get(ctx context.Context, id interface{}) (interface{}, error)
}

// Mutator is a Resource that also supports writes
type Mutator interface {
	Resource

	Create(ctx context.Context, data interface{}) (interface{}, error)
	Update(ctx context.Context, id interface{}, data interface{}) (interface{}, error)
	Delete(ctx context.Context, id interface{}) error
}

// Call describes one read against a resource
type Call struct {
	Resource  Resource
	Operation Operation
	Params    interface{}
	Key       string // Cache key, empty when the params could not be keyed
}

// ResourceName returns the name of the called resource
func (c *Call) ResourceName() string {
	if c.Resource == nil {
		return ""
	}
	return c.Resource.Name()
}

// Dispatch invokes the resource method matching the call's operation.
// It is the innermost Fetch of every client.
func Dispatch(ctx context.Context, call *Call) (interface{}, error) {
	switch call.Operation {
	case OpList:
		return call.Resource.List(ctx, listArgs(call.Params)...)
	case OpFilter:
		return call.Resource.Filter(ctx, call.Params)
	case OpGet:
		return call.Resource.Get(ctx, call.Params)
	default:
		return nil, &UnsupportedOperationError{Operation: call.Operation}
	}
}

// listArgs spreads slice or array params into positional arguments.
// Anything else means List is called without arguments.
func listArgs(params interface{}) []interface{} {
	if params == nil {
		return nil
	}

	if args, ok := params.([]interface{}); ok {
		return args
	}

	v := reflect.ValueOf(params)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil
	}

	args := make([]interface{}, v.Len())
	for i := range args {
		args[i] = v.Index(i).Interface()
	}
	return args
}

// ResourceFuncs adapts plain functions to the Resource interface.
// A nil function makes its operation unsupported.
type ResourceFuncs struct {
	ResourceName string
	ListFunc     func(ctx context.Context, args ...interface{}) (interface{}, error)
	FilterFunc   func(ctx context.Context, criteria interface{}) (interface{}, error)
	GetFunc      func(ctx context.Context, id interface{}) (interface{}, error)
}

// Name returns the resource name
func (r *ResourceFuncs) Name() string {
	return r.ResourceName
}

// List calls ListFunc
func (r *ResourceFuncs) List(ctx context.Context, args ...interface{}) (interface{}, error) {
	if r.ListFunc == nil {
		return nil, &UnsupportedOperationError{Operation: OpList}
	}
	return r.ListFunc(ctx, args...)
}

// Filter calls FilterFunc
func (r *ResourceFuncs) Filter(ctx context.Context, criteria interface{}) (interface{}, error) {
	if r.FilterFunc == nil {
		return nil, &UnsupportedOperationError{Operation: OpFilter}
	}
	return r.FilterFunc(ctx, criteria)
}

// Get calls GetFunc
func (r *ResourceFuncs) Get(ctx context.Context, id interface{}) (interface{}, error) {
	if r.GetFunc == nil {
		return nil, &UnsupportedOperationError{Operation: OpGet}
	}
	return r.GetFunc(ctx, id)
}
