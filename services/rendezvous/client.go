package rendezvous

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hxrts/aura-sub037/consensus"
	"github.com/hxrts/aura-sub037/crypto"
	"github.com/hxrts/aura-sub037/transport"
)

// Client talks to a rendezvous registry. It also satisfies
// transport.PeerResolver, so a dialer can resolve peers through the
// service directly.
type Client struct {
	baseURL    string
	signingKey crypto.PrivateKey
	httpClient *http.Client
}

// NewClient creates a client publishing descriptors signed with the
// given key.
func NewClient(baseURL string, signingKey crypto.PrivateKey) *Client {
	return &Client{
		baseURL:    baseURL,
		signingKey: signingKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish signs and registers a descriptor.
func (c *Client) Publish(descriptor *transport.Descriptor) error {
	signed, err := consensus.NewSigned(c.signingKey, descriptor)
	if err != nil {
		return fmt.Errorf("could not sign descriptor: %w", err)
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Post(c.baseURL+"/descriptors", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		message, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registry refused descriptor: %s: %s", resp.Status, bytes.TrimSpace(message))
	}
	return nil
}

// Remove unregisters this client's descriptor for the pair.
func (c *Client) Remove(contextId crypto.ContextId, authority crypto.AuthorityId) error {
	url := fmt.Sprintf("%s/descriptors/%s/%s", c.baseURL, contextId, authority)
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry refused removal: %s", resp.Status)
	}
	return nil
}

// ResolvePeerAddr implements transport.PeerResolver against the
// service.
func (c *Client) ResolvePeerAddr(contextId crypto.ContextId, peer crypto.AuthorityId) (string, error) {
	url := fmt.Sprintf("%s/resolve/%s/%s", c.baseURL, contextId, peer)
	resp, err := c.httpClient.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", transport.ErrDestinationUnreachable, peer)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry resolve failed: %s", resp.Status)
	}

	var resolved ResolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&resolved); err != nil {
		return "", fmt.Errorf("could not decode resolve response: %w", err)
	}
	return resolved.Addr, nil
}

var _ transport.PeerResolver = (*Client)(nil)
