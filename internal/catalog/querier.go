package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/emberops/ember/internal/logx"
)

// The two fixed query documents of the catalog read contract.
const (
	environmentsQuery = `{
  envs: environments_v1 {
    name
    parameters
    namespaces { name }
  }
}`

	applicationsQuery = `{
  apps: apps_v1 {
    name
    parentApp { name }
    components: resourceTemplates {
      name
      url
      path
      parameters
      targets {
        namespace { name }
        ref
        parameters
      }
    }
  }
}`
)

// HTTPQuerier executes the two catalog queries against a GraphQL endpoint
// with a plain POST of the query document. It is deliberately not safe for
// concurrent queries (one buffered round trip at a time) — matching the
// contract documented on Querier.
type HTTPQuerier struct {
	url    string
	token  string
	client *http.Client
}

var _ Querier = (*HTTPQuerier)(nil)

// NewHTTPQuerier builds a querier for the given endpoint. token, when
// non-empty, is sent as the Authorization header value.
func NewHTTPQuerier(url, token string) *HTTPQuerier {
	return &HTTPQuerier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// execute posts a query document and decodes the "data" envelope into out.
func (q *HTTPQuerier) execute(ctx context.Context, query string, out any) error {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return fmt.Errorf("encoding query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building catalog request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.token != "" {
		req.Header.Set("Authorization", q.token)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("querying catalog at %s: %w", q.url, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logx.Logger().Debug("closing catalog response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog query returned HTTP %d", resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding catalog response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("catalog query failed: %s", envelope.Errors[0].Message)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decoding catalog data: %w", err)
	}
	return nil
}

// Environments implements Querier.
func (q *HTTPQuerier) Environments(ctx context.Context) ([]Environment, error) {
	var data struct {
		Envs []Environment `json:"envs"`
	}
	if err := q.execute(ctx, environmentsQuery, &data); err != nil {
		return nil, err
	}
	return data.Envs, nil
}

// Applications implements Querier.
func (q *HTTPQuerier) Applications(ctx context.Context) ([]Application, error) {
	var data struct {
		Apps []Application `json:"apps"`
	}
	if err := q.execute(ctx, applicationsQuery, &data); err != nil {
		return nil, err
	}
	return data.Apps, nil
}
