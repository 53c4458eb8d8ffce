// Package entityapi is an HTTP client for the remote entity API that serves
// Leads, Proposals, Documents and other records to the guardian client.
package entityapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	guardian "github.com/entity-guardian/entity-guardian"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnknownEntity is returned by Resolve for names outside the configured entity set
var ErrUnknownEntity = errors.New("unknown entity")

const (
	// DefaultTimeout bounds one HTTP exchange with the entity API
	DefaultTimeout = 30 * time.Second

	// APIKeyHeader carries the static API key
	APIKeyHeader = "api_key"
)

// ClientConfig holds configuration for the entity API client
type ClientConfig struct {
	BaseURL string
	AppID   string
	APIKey  string
	Timeout time.Duration
	Headers map[string]string

	// Entity names served by Resolve; empty allows any name
	Entities []string

	// Service token minted per tenant and sent as a bearer token
	TokenSecret string
	Tenant      string
	TokenTTL    time.Duration
}

// ClientOption is a functional option for client configuration
type ClientOption func(*ClientConfig)

// WithBaseURL sets the API root, e.g. https://api.example.com/api
func WithBaseURL(url string) ClientOption {
	return func(c *ClientConfig) {
		c.BaseURL = strings.TrimRight(url, "/")
	}
}

// WithAppID sets the application the entities belong to
func WithAppID(appID string) ClientOption {
	return func(c *ClientConfig) {
		c.AppID = appID
	}
}

// WithAPIKey sets the static API key
func WithAPIKey(key string) ClientOption {
	return func(c *ClientConfig) {
		c.APIKey = key
	}
}

// WithServiceToken signs an HS256 bearer token for tenant, renewed before ttl runs out
func WithServiceToken(secret, tenant string, ttl time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.TokenSecret = secret
		c.Tenant = tenant
		c.TokenTTL = ttl
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.Timeout = d
	}
}

// WithEntities restricts Resolve to the named entities
func WithEntities(names ...string) ClientOption {
	return func(c *ClientConfig) {
		c.Entities = append(c.Entities, names...)
	}
}

// WithHeader adds a header to every request
func WithHeader(key, value string) ClientOption {
	return func(c *ClientConfig) {
		if c.Headers == nil {
			c.Headers = make(map[string]string)
		}
		c.Headers[key] = value
	}
}

// Client talks to the entity API
type Client struct {
	config   *ClientConfig
	resty    *resty.Client
	entities map[string]bool

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// NewClient creates a new entity API client
func NewClient(opts ...ClientOption) *Client {
	config := &ClientConfig{
		Timeout:  DefaultTimeout,
		TokenTTL: time.Hour,
	}

	// Apply options
	for _, opt := range opts {
		if opt != nil {
			opt(config)
		}
	}

	rc := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(config.Timeout).
		SetHeader("Accept", "application/json")

	if len(config.Headers) > 0 {
		rc.SetHeaders(config.Headers)
	}
	if config.APIKey != "" {
		rc.SetHeader(APIKeyHeader, config.APIKey)
	}

	c := &Client{
		config:   config,
		resty:    rc,
		entities: make(map[string]bool, len(config.Entities)),
		now:      time.Now,
	}
	for _, name := range config.Entities {
		c.entities[name] = true
	}

	if config.TokenSecret != "" {
		rc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			token, err := c.serviceToken()
			if err != nil {
				return err
			}
			r.SetAuthToken(token)
			return nil
		})
	}

	return c
}

// Entity returns the resource handle for an entity kind
func (c *Client) Entity(name string) *Entity {
	return &Entity{client: c, name: name}
}

// Resolve returns the entity named name as a guardian resource
func (c *Client) Resolve(name string) (guardian.Resource, error) {
	if name == "" || (len(c.entities) > 0 && !c.entities[name]) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, name)
	}
	return c.Entity(name), nil
}

// serviceToken returns a cached token, minting a new one when it is close to expiry
func (c *Client) serviceToken() (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := c.now()
	if c.token != "" && now.Add(c.config.TokenTTL/10).Before(c.tokenExpiry) {
		return c.token, nil
	}

	expiry := now.Add(c.config.TokenTTL)
	claims := jwt.MapClaims{
		"sub":    c.config.AppID,
		"tenant": c.config.Tenant,
		"iat":    now.Unix(),
		"exp":    expiry.Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.config.TokenSecret))
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}

	c.token = signed
	c.tokenExpiry = expiry
	return signed, nil
}

// ResponseError is a non-2xx answer from the entity API
type ResponseError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *ResponseError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("entity API %s %s: http %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("entity API %s %s: http %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// StatusCode returns the HTTP status
func (e *ResponseError) StatusCode() int {
	return e.Status
}

func decodeBody(resp *resty.Response) (interface{}, error) {
	body := resp.Body()
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}

	var out interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode entity API response: %w", err)
	}
	return out, nil
}
