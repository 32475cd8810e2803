package platform_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/platform"
)

type recordedRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func newGraphQLServer(t *testing.T, handler func(req recordedRequest) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Access-Token"))
		var req recordedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		status, body := handler(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTag_UnmarshalBothShapes(t *testing.T) {
	var tags []platform.Tag
	require.NoError(t, json.Unmarshal([]byte(`["VIP", {"name": "Loyalty:Points:10"}]`), &tags))
	assert.Equal(t, []string{"VIP", "Loyalty:Points:10"}, platform.TagNames(tags))

	err := json.Unmarshal([]byte(`[42]`), &tags)
	assert.Error(t, err)
}

func TestClient_GetCustomer(t *testing.T) {
	srv := newGraphQLServer(t, func(req recordedRequest) (int, string) {
		assert.True(t, strings.Contains(req.Query, "customer(id: $id)"))
		assert.Equal(t, "gid://Customer/1", req.Variables["id"])
		return http.StatusOK, `{"data":{"customer":{"id":"gid://Customer/1","email":"a@b.c","tags":["VIP",{"name":"Loyalty:Points:40"}]}}}`
	})
	c := platform.NewClient(srv.URL, "secret", time.Second, nil)

	cust, err := c.GetCustomer(context.Background(), "gid://Customer/1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", cust.Email)
	assert.Equal(t, []string{"VIP", "Loyalty:Points:40"}, cust.Tags)
}

func TestClient_GetCustomer_NotFound(t *testing.T) {
	srv := newGraphQLServer(t, func(recordedRequest) (int, string) {
		return http.StatusOK, `{"data":{"customer":null}}`
	})
	c := platform.NewClient(srv.URL, "secret", time.Second, nil)

	cust, err := c.GetCustomer(context.Background(), "missing")
	assert.Nil(t, cust)
	assert.ErrorIs(t, err, platform.ErrCustomerNotFound)
}

func TestClient_UpdateTags(t *testing.T) {
	srv := newGraphQLServer(t, func(req recordedRequest) (int, string) {
		input, _ := req.Variables["input"].(map[string]any)
		assert.Equal(t, "c-1", input["id"])
		tags, _ := input["tags"].([]any)
		if assert.Len(t, tags, 2) {
			assert.Equal(t, map[string]any{"name": "VIP"}, tags[0])
		}
		return http.StatusOK, `{"data":{"customerUpdate":{"customer":{"id":"c-1","tags":["VIP","Loyalty:Points:5"]},"userErrors":[]}}}`
	})
	c := platform.NewClient(srv.URL, "secret", time.Second, nil)

	tags, err := c.UpdateTags(context.Background(), "c-1", []string{"VIP", "Loyalty:Points:5"})
	require.NoError(t, err)
	assert.Equal(t, []string{"VIP", "Loyalty:Points:5"}, tags)
}

func TestClient_UpdateTags_UserErrors(t *testing.T) {
	srv := newGraphQLServer(t, func(recordedRequest) (int, string) {
		return http.StatusOK, `{"data":{"customerUpdate":{"customer":null,"userErrors":[{"field":["tags"],"message":"too many tags"}]}}}`
	})
	c := platform.NewClient(srv.URL, "secret", time.Second, nil)

	_, err := c.UpdateTags(context.Background(), "c-1", []string{"x"})
	var ue platform.UserErrors
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, err.Error(), "too many tags")
}

func TestClient_ServerError_IsUnavailable(t *testing.T) {
	srv := newGraphQLServer(t, func(recordedRequest) (int, string) {
		return http.StatusBadGateway, `{}`
	})
	c := platform.NewClient(srv.URL, "secret", time.Second, nil)

	_, err := c.GetCustomer(context.Background(), "c-1")
	assert.ErrorIs(t, err, platform.ErrUnavailable)
}

func TestMemory_BeforeUpdateHook(t *testing.T) {
	m := platform.NewMemory()
	m.Put(platform.Customer{ID: "c-1", Tags: []string{"VIP"}})

	m.BeforeUpdate = func(id string, tags []string) error { return platform.ErrUnavailable }
	_, err := m.UpdateTags(context.Background(), "c-1", []string{"x"})
	assert.ErrorIs(t, err, platform.ErrUnavailable)

	m.BeforeUpdate = nil
	_, err = m.UpdateTags(context.Background(), "nope", []string{"x"})
	assert.ErrorIs(t, err, platform.ErrCustomerNotFound)

	reads, writes := m.Calls()
	assert.Equal(t, 0, reads)
	assert.Equal(t, 1, writes)
}
