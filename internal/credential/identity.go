package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPIdentityClient validates opaque keys against the identity service's
// introspection endpoint. The identity provider itself is out of scope
// this is the thin, concrete collaborator the resolver talks to.
type HTTPIdentityClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPIdentityClient builds a client pointed at identity.endpoint.
func NewHTTPIdentityClient(endpoint string, client *http.Client) *HTTPIdentityClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPIdentityClient{endpoint: endpoint, client: client}
}

type introspectionResponse struct {
	SubjectID string   `json:"subject_id"`
	Scopes    []string `json:"scopes"`
	ExpiresAt *int64   `json:"expires_at"`
}

// ValidateOpaqueKey posts the key to the identity service's introspection
// endpoint and returns the *user* subject it resolves to — deliberately
// never the key's own identifier.
func (c *HTTPIdentityClient) ValidateOpaqueKey(ctx context.Context, key string) (OpaqueKeyClaims, error) {
	body, _ := json.Marshal(map[string]string{"key": key})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/introspect", bytes.NewReader(body))
	if err != nil {
		return OpaqueKeyClaims{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return OpaqueKeyClaims{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound {
		return OpaqueKeyClaims{}, fmt.Errorf("credential: key not recognised (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return OpaqueKeyClaims{}, fmt.Errorf("credential: identity service status %d", resp.StatusCode)
	}

	var ir introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return OpaqueKeyClaims{}, err
	}
	claims := OpaqueKeyClaims{SubjectID: ir.SubjectID, Scopes: ir.Scopes}
	if ir.ExpiresAt != nil {
		t := time.Unix(*ir.ExpiresAt, 0)
		claims.ExpiresAt = &t
	}
	return claims, nil
}
