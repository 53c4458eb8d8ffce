package entityapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	guardian "github.com/entity-guardian/entity-guardian"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	collectionPath = "/apps/{app}/entities/{entity}"
	recordPath     = "/apps/{app}/entities/{entity}/{id}"
)

var _ guardian.Mutator = (*Entity)(nil)

// Entity is one entity kind of the remote API
type Entity struct {
	client *Client
	name   string
}

// Name returns the entity name
func (e *Entity) Name() string {
	return e.name
}

// List fetches records. args are an optional sort field and limit, e.g. List(ctx, "-created_date", 50).
func (e *Entity) List(ctx context.Context, args ...interface{}) (interface{}, error) {
	query := make(map[string]string)
	if len(args) > 0 && args[0] != nil && args[0] != "" {
		query["sort"] = fmt.Sprint(args[0])
	}
	if len(args) > 1 && args[1] != nil {
		query["limit"] = fmt.Sprint(args[1])
	}

	return e.do(ctx, resty.MethodGet, collectionPath, nil, query, nil)
}

// Filter fetches records matching criteria, sent as JSON in the q parameter
func (e *Entity) Filter(ctx context.Context, criteria interface{}) (interface{}, error) {
	q, err := json.Marshal(criteria)
	if err != nil {
		return nil, fmt.Errorf("encode %s filter: %w", e.name, err)
	}

	return e.do(ctx, resty.MethodGet, collectionPath, nil, map[string]string{"q": string(q)}, nil)
}

// Get fetches one record by id
func (e *Entity) Get(ctx context.Context, id interface{}) (interface{}, error) {
	return e.do(ctx, resty.MethodGet, recordPath, id, nil, nil)
}

// Create stores a new record
func (e *Entity) Create(ctx context.Context, data interface{}) (interface{}, error) {
	return e.do(ctx, resty.MethodPost, collectionPath, nil, nil, data)
}

// Update replaces fields of a record
func (e *Entity) Update(ctx context.Context, id interface{}, data interface{}) (interface{}, error) {
	return e.do(ctx, resty.MethodPut, recordPath, id, nil, data)
}

// Delete removes a record
func (e *Entity) Delete(ctx context.Context, id interface{}) error {
	_, err := e.do(ctx, resty.MethodDelete, recordPath, id, nil, nil)
	return err
}

func (e *Entity) do(ctx context.Context, method, path string, id interface{}, query map[string]string, body interface{}) (interface{}, error) {
	req := e.client.resty.R().
		SetContext(ctx).
		SetPathParam("app", e.client.config.AppID).
		SetPathParam("entity", e.name)

	if id != nil {
		req.SetPathParam("id", fmt.Sprint(id))
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("entity API %s %s: %w", method, e.name, err)
	}

	if resp.IsError() {
		return nil, &ResponseError{
			Method: method,
			Path:   e.path(id),
			Status: resp.StatusCode(),
			Body:   strings.TrimSpace(resp.String()),
		}
	}

	return decodeBody(resp)
}

// path renders the request path for errors and logs
func (e *Entity) path(id interface{}) string {
	p := fmt.Sprintf("/apps/%s/entities/%s", e.client.config.AppID, e.name)
	if id != nil {
		p += fmt.Sprintf("/%v", id)
	}
	return p
}
