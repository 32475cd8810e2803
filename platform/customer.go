/*
Package platform talks to the e-commerce platform that owns customer records.

PURPOSE:
  The loyalty service keeps no customer table of its own. Balance, lifetime
  points and tier live as tags on the platform's customer record, so this
  package is the read/write path to the system of record.

CONTRACT:
  GetCustomer: {id, email, tags}; tags arrive either as plain strings or
               as {"name": "..."} objects depending on the API surface.
  UpdateTags:  replaces the full tag list and returns the list the
               platform stored.

  Neither call offers a concurrency token. Two writers racing on the same
  customer means last writer wins for the whole tag list.

IMPLEMENTATIONS:
  - graphql.go: HTTP GraphQL client (admin API)
  - memory.go:  in-process fake for tests and local development
*/
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrCustomerNotFound is returned when the platform has no such customer.
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrUnavailable wraps transport-level failures talking to the platform.
	ErrUnavailable = errors.New("platform unavailable")
)

// Customer is the subset of the platform's customer record we use.
type Customer struct {
	ID    string
	Email string
	Tags  []string
}

// Store reads and writes customer records.
type Store interface {
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	UpdateTags(ctx context.Context, id string, tags []string) ([]string, error)
}

// Tag decodes either "name" or {"name": "name"}.
type Tag string

func (t *Tag) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Tag(s)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tag must be a string or {name}: %w", err)
	}
	*t = Tag(obj.Name)
	return nil
}

// TagNames flattens decoded tags to strings.
func TagNames(tags []Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}

// TagInput is the write-side shape of a tag.
type TagInput struct {
	Name string `json:"name"`
}

func tagInputs(tags []string) []TagInput {
	out := make([]TagInput, len(tags))
	for i, t := range tags {
		out[i] = TagInput{Name: t}
	}
	return out
}
