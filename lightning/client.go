// Package lightning talks to an LND node over its REST API.
package lightning

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	ErrMalformedPreimage = errors.New("malformed preimage")
	ErrInvoiceCreate     = errors.New("invoice creation failed")
)

// Invoice is the subset of LND's invoice response the service needs: the
// BOLT11 payment request handed to the client and the payment hash committed
// to by it.
type Invoice struct {
	PaymentRequest string `json:"payment_request"`
	RHash          string `json:"r_hash"`
}

// Client is an LND REST client authenticated with a hex-encoded macaroon.
type Client struct {
	baseURL  string
	macaroon string
	client   *http.Client
}

// NewClient builds a client for the LND node at host (host:port, or a full
// URL for tests). tlsCertPath and macaroonPath point at the node's TLS
// certificate and an invoice-grade macaroon.
func NewClient(host, tlsCertPath, macaroonPath string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := host
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	client := &http.Client{Timeout: timeout}
	if tlsCertPath != "" {
		pem, err := os.ReadFile(tlsCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read lnd tls cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("lnd tls cert contains no certificates")
		}
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
	}

	macaroon := ""
	if macaroonPath != "" {
		raw, err := os.ReadFile(macaroonPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read macaroon: %w", err)
		}
		macaroon = hex.EncodeToString(raw)
	}

	return &Client{
		baseURL:  baseURL,
		macaroon: macaroon,
		client:   client,
	}, nil
}

type createInvoiceRequest struct {
	Value int64  `json:"value"`
	Memo  string `json:"memo,omitempty"`
}

// CreateInvoice asks the node for an invoice of the given amount in
// satoshis, with the session id as memo.
func (c *Client) CreateInvoice(ctx context.Context, sats int64, memo string) (Invoice, error) {
	payload, err := json.Marshal(createInvoiceRequest{Value: sats, Memo: memo})
	if err != nil {
		return Invoice{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/invoices", bytes.NewReader(payload))
	if err != nil {
		return Invoice{}, err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return Invoice{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Invoice{}, fmt.Errorf("%w: lnd returned status %d", ErrInvoiceCreate, resp.StatusCode)
	}

	var invoice Invoice
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return Invoice{}, err
	}
	if invoice.PaymentRequest == "" {
		return Invoice{}, fmt.Errorf("%w: empty payment request", ErrInvoiceCreate)
	}
	return invoice, nil
}

type invoiceLookupResponse struct {
	Settled bool `json:"settled"`
}

// InvoicePaid reports whether the invoice committed to by the preimage has
// settled. The preimage is hashed to recover the payment hash used for the
// lookup; an unknown hash counts as unpaid, not as an error.
func (c *Client) InvoicePaid(ctx context.Context, preimage string) (bool, error) {
	raw, err := DecodePreimage(preimage)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(raw)
	rHash := hex.EncodeToString(sum[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/invoice/"+rHash, nil)
	if err != nil {
		return false, err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("lnd invoice lookup returned status %d", resp.StatusCode)
	}

	var lookup invoiceLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lookup); err != nil {
		return false, err
	}
	return lookup.Settled, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.macaroon != "" {
		req.Header.Set("Grpc-Metadata-macaroon", c.macaroon)
	}
}
