package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/diagnosis/ticketdrop/pkg/response"
	"github.com/diagnosis/ticketdrop/services/depot/internal/cryptox"
	"github.com/diagnosis/ticketdrop/services/depot/internal/domain"
	"github.com/diagnosis/ticketdrop/services/depot/internal/handlers"
)

const defaultRetryAfter = 5 * time.Second

// APIError is a non-2xx answer from the depot.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("depot returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("depot returned %d: %s (%s)", e.Status, e.Message, e.Code)
}

type client struct {
	base string
	http *http.Client
	// wait blocks between waiting-room polls
	wait func(ctx context.Context, d time.Duration) error
	// onWait reports each waiting-room round
	onWait func(d time.Duration)
}

func newClient(base string, hc *http.Client) *client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &client{
		base:   strings.TrimRight(base, "/"),
		http:   hc,
		wait:   sleepContext,
		onWait: func(time.Duration) {},
	}
}

func (c *client) send(ctx context.Context, content []byte, mimeType string) (*handlers.MintResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/tickets", mimeType, content)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out handlers.MintResponse
	if err := expectJSON(resp, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// claim generates a one-off key pair, claims ticketID with its public half
// and returns the decrypted file.
func (c *client) claim(ctx context.Context, ticketID string) ([]byte, string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	jwk, err := cryptox.PublicJWK(&priv.PublicKey)
	if err != nil {
		return nil, "", err
	}
	body, err := json.Marshal(handlers.ClaimRequest{PublicKey: jwk})
	if err != nil {
		return nil, "", err
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/tickets/"+url.PathEscape(ticketID)+"/claim", "application/json", body)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	var out handlers.ClaimResponse
	if err := expectJSON(resp, http.StatusOK, &out); err != nil {
		return nil, "", err
	}

	plain, err := cryptox.Open(&domain.HandoffBundle{
		Ciphertext: out.EncryptedFile,
		WrappedKey: out.WrappedKey,
		IV:         out.IV,
		MimeType:   out.MimeType,
	}, priv)
	if err != nil {
		return nil, "", err
	}
	return plain, out.MimeType, nil
}

func (c *client) dispense(ctx context.Context, content []byte, mimeType string, count int) (int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/dispenser/init?count="+strconv.Itoa(count), mimeType, content)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out handlers.InitResponse
	if err := expectJSON(resp, http.StatusCreated, &out); err != nil {
		return 0, err
	}
	return out.TicketCount, nil
}

// fetch claims a dispenser ticket, sitting in the waiting room as long as
// the depot asks, then decrypts and acknowledges it.
func (c *client) fetch(ctx context.Context, ticketID string) ([]byte, string, error) {
	path := "/v1/dispenser/claim/" + url.PathEscape(ticketID)
	for {
		resp, err := c.do(ctx, http.MethodGet, path, "", nil)
		if err != nil {
			return nil, "", err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			plain, mimeType, err := openDispensed(resp, ticketID)
			resp.Body.Close()
			if err != nil {
				return nil, "", err
			}
			if err := c.ack(ctx, ticketID); err != nil {
				return nil, "", fmt.Errorf("file received but ack failed: %w", err)
			}
			return plain, mimeType, nil

		case http.StatusAccepted:
			delay := retryAfter(resp.Header.Get("Retry-After"))
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			c.onWait(delay)
			if err := c.wait(ctx, delay); err != nil {
				return nil, "", err
			}

		default:
			err := apiError(resp)
			resp.Body.Close()
			return nil, "", err
		}
	}
}

func (c *client) ack(ctx context.Context, ticketID string) error {
	body, err := json.Marshal(handlers.AckRequest{TicketID: ticketID})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/dispenser/ack", "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out handlers.AckResponse
	return expectJSON(resp, http.StatusOK, &out)
}

func (c *client) do(ctx context.Context, method, path, contentType string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.http.Do(req)
}

func openDispensed(resp *http.Response, ticketID string) ([]byte, string, error) {
	iv, err := base64.StdEncoding.DecodeString(resp.Header.Get(handlers.HeaderIV))
	if err != nil {
		return nil, "", fmt.Errorf("bad %s header: %w", handlers.HeaderIV, err)
	}
	ciphertext, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	plain, err := cryptox.OpenForTicket(ciphertext, iv, ticketID)
	if err != nil {
		return nil, "", err
	}
	return plain, resp.Header.Get(handlers.HeaderMimeType), nil
}

func expectJSON(resp *http.Response, status int, v any) error {
	if resp.StatusCode != status {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiError(resp *http.Response) error {
	e := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var body response.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error != "" {
		e.Message = body.Error
		e.Code = body.Code
	}
	return e
}

func retryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryAfter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
