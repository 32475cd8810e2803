package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const customerQuery = `query Customer($id: ID!) {
  customer(id: $id) { id email tags }
}`

const customerUpdateMutation = `mutation CustomerUpdate($input: CustomerInput!) {
  customerUpdate(input: $input) {
    customer { id tags }
    userErrors { field message }
  }
}`

// Client is a GraphQL client for the platform's admin API.
// Token acquisition and refresh happen elsewhere; Client sends whatever
// AccessToken holds.
type Client struct {
	Endpoint    string
	AccessToken string
	HTTP        *http.Client
	Log         *zap.Logger
}

// NewClient creates a client with a bounded per-call timeout.
func NewClient(endpoint, accessToken string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		Endpoint:    endpoint,
		AccessToken: accessToken,
		HTTP:        &http.Client{Timeout: timeout},
		Log:         log,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

// UserErrors is returned when the platform rejects a mutation's input.
type UserErrors []userError

func (e UserErrors) Error() string {
	msgs := make([]string, len(e))
	for i, u := range e {
		msgs[i] = u.Message
	}
	return "platform rejected update: " + strings.Join(msgs, "; ")
}

func (c *Client) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var data struct {
		Customer *struct {
			ID    string `json:"id"`
			Email string `json:"email"`
			Tags  []Tag  `json:"tags"`
		} `json:"customer"`
	}
	if err := c.do(ctx, customerQuery, map[string]any{"id": id}, &data); err != nil {
		return nil, err
	}
	if data.Customer == nil {
		return nil, ErrCustomerNotFound
	}
	return &Customer{
		ID:    data.Customer.ID,
		Email: data.Customer.Email,
		Tags:  TagNames(data.Customer.Tags),
	}, nil
}

func (c *Client) UpdateTags(ctx context.Context, id string, tags []string) ([]string, error) {
	var data struct {
		CustomerUpdate struct {
			Customer *struct {
				ID   string `json:"id"`
				Tags []Tag  `json:"tags"`
			} `json:"customer"`
			UserErrors UserErrors `json:"userErrors"`
		} `json:"customerUpdate"`
	}
	input := map[string]any{
		"id":   id,
		"tags": tagInputs(tags),
	}
	if err := c.do(ctx, customerUpdateMutation, map[string]any{"input": input}, &data); err != nil {
		return nil, err
	}
	if len(data.CustomerUpdate.UserErrors) > 0 {
		return nil, data.CustomerUpdate.UserErrors
	}
	if data.CustomerUpdate.Customer == nil {
		return nil, ErrCustomerNotFound
	}
	return TagNames(data.CustomerUpdate.Customer.Tags), nil
}

func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("failed to encode graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.AccessToken != "" {
		req.Header.Set("X-Access-Token", c.AccessToken)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	c.Log.Debug("platform graphql call",
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrCustomerNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphQLError  `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("graphql response has no data")
	}
	return json.Unmarshal(envelope.Data, out)
}

var _ Store = (*Client)(nil)
