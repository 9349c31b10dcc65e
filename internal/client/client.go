// Package client is the caller side of the lease protocol. It signs
// canonical messages and answers payment challenges automatically.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"leasebox/internal/api"
	"leasebox/internal/identity"
	"leasebox/internal/payments"
)

// ErrPaymentRejected means the server still demanded payment after a proof was sent.
var ErrPaymentRejected = errors.New("payment rejected")

// APIError is a non-2xx response other than a payment challenge.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a lease server on behalf of one identity.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Signer  *identity.Signer
	Payer   payments.Payer
}

// New returns a client that signs and pays with the signer's key.
func New(baseURL string, signer *identity.Signer) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
		Signer:  signer,
		Payer:   payments.NewExactEVMPayer(signer.PrivateKey()),
	}
}

// Address is the identity this client acts as.
func (c *Client) Address() string {
	return c.Signer.Address()
}

// UploadResult is a stored object plus the settlement that paid for it.
type UploadResult struct {
	api.UploadResponse
	Payment *payments.SettlementResponse
}

// RenewResult is a lease extension plus the settlement that paid for it.
type RenewResult struct {
	api.RenewResponse
	Payment *payments.SettlementResponse
}

// Download is an open object stream with its metadata.
type Download struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	ExpiresAt   time.Time
}

// Upload stores the contents of r under name, paying the upload price.
func (c *Client) Upload(ctx context.Context, name, contentType string, r io.Reader) (*UploadResult, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": name}))
	hdr.Set("Content-Type", contentType)
	part, err := writer.CreatePart(hdr)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	payload := body.Bytes()

	resp, err := c.doPaid(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/upload", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set(api.HeaderIdentity, c.Address())
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &UploadResult{}
	if err := decodeResponse(resp, &result.UploadResponse); err != nil {
		return nil, err
	}
	result.Payment = settlementFrom(resp)
	return result, nil
}

// Download opens the object stored under key. The caller closes Body.
func (c *Client) Download(ctx context.Context, key string) (*Download, error) {
	resp, err := c.doSigned(ctx, http.MethodGet, "/file/"+key, identity.ReadMessage(key))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	d := &Download{Body: resp.Body, ContentType: resp.Header.Get("Content-Type")}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		d.Filename = params["filename"]
	}
	if exp, err := time.Parse(time.RFC3339, resp.Header.Get(api.HeaderExpiresAt)); err == nil {
		d.ExpiresAt = exp
	}
	return d, nil
}

// List returns the caller's active files, newest first.
func (c *Client) List(ctx context.Context) (*api.ListResponse, error) {
	resp, err := c.doSigned(ctx, http.MethodGet, "/files", identity.ListMessage)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out api.ListResponse
	return &out, decodeResponse(resp, &out)
}

// Info returns the record for key, including whether it has expired.
func (c *Client) Info(ctx context.Context, key string) (*api.InfoResponse, error) {
	resp, err := c.doSigned(ctx, http.MethodGet, "/file-info/"+key, identity.InfoMessage(key))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out api.InfoResponse
	return &out, decodeResponse(resp, &out)
}

// Delete removes the object stored under key.
func (c *Client) Delete(ctx context.Context, key string) (*api.DeleteResponse, error) {
	resp, err := c.doSigned(ctx, http.MethodDelete, "/file/"+key, identity.DeleteMessage(key))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out api.DeleteResponse
	return &out, decodeResponse(resp, &out)
}

// Renew extends the lease on key, paying the renewal price.
func (c *Client) Renew(ctx context.Context, key string) (*RenewResult, error) {
	sig, err := c.Signer.Sign(identity.RenewMessage(key))
	if err != nil {
		return nil, err
	}

	resp, err := c.doPaid(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/renew/"+key, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(api.HeaderIdentity, c.Address())
		req.Header.Set(api.HeaderSignature, sig)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &RenewResult{}
	if err := decodeResponse(resp, &result.RenewResponse); err != nil {
		return nil, err
	}
	result.Payment = settlementFrom(resp)
	return result, nil
}

func (c *Client) doSigned(ctx context.Context, method, path, message string) (*http.Response, error) {
	sig, err := c.Signer.Sign(message)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(api.HeaderIdentity, c.Address())
	req.Header.Set(api.HeaderSignature, sig)
	return c.HTTP.Do(req)
}

// doPaid sends the request built by newRequest. On a 402 it pays the
// challenge and sends a fresh copy once with the proof attached.
func (c *Client) doPaid(ctx context.Context, newRequest func() (*http.Request, error)) (*http.Response, error) {
	req, err := newRequest()
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := readChallenge(resp)
	if err != nil {
		return nil, err
	}
	requirements, err := selectRequirements(challenge)
	if err != nil {
		return nil, err
	}

	proof, err := c.Payer.CreatePayment(requirements)
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	header, err := payments.EncodePayment(proof)
	if err != nil {
		return nil, err
	}

	req, err = newRequest()
	if err != nil {
		return nil, err
	}
	req.Header.Set(payments.HeaderPayment, header)
	resp, err = c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		challenge, err := readChallenge(resp)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPaymentRejected, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrPaymentRejected, challenge.Error)
	}
	return resp, nil
}

func readChallenge(resp *http.Response) (*payments.Challenge, error) {
	defer resp.Body.Close()
	var challenge payments.Challenge
	if err := json.NewDecoder(resp.Body).Decode(&challenge); err != nil {
		return nil, fmt.Errorf("decode payment challenge: %w", err)
	}
	return &challenge, nil
}

// selectRequirements picks the first offer this client knows how to pay.
func selectRequirements(challenge *payments.Challenge) (payments.PaymentRequirements, error) {
	for _, req := range challenge.Accepts {
		if req.Scheme == payments.SchemeExact {
			return req, nil
		}
	}
	return payments.PaymentRequirements{}, fmt.Errorf("no supported payment scheme in challenge (%d offers)", len(challenge.Accepts))
}

func settlementFrom(resp *http.Response) *payments.SettlementResponse {
	s, err := payments.DecodeSettlement(resp.Header.Get(payments.HeaderPaymentResponse))
	if err != nil {
		return nil
	}
	return s
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
