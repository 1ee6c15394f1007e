package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"auction-lifecycle/internal/domain"
	"auction-lifecycle/pkg/logger"
)

// maxErrorBody bounds how much of a failed response is kept for the error.
const maxErrorBody = 512

// HTTPClient talks to the catalog service, which owns product availability.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	log     logger.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, log logger.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
		log:     log,
	}
}

// Reserve puts the product in InAuction for auctionID and returns the
// catalog's snapshot of it.
func (c *HTTPClient) Reserve(ctx context.Context, productID, auctionID string) (*domain.ProductSnapshot, error) {
	path := fmt.Sprintf("/api/catalog/product/%s/auction/%s", url.PathEscape(productID), url.PathEscape(auctionID))

	resp, err := c.put(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.Newf(domain.ErrNotFound, "product %s", productID)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, domain.Newf(domain.ErrProductUnavailable, "product %s: %s", productID, readBody(resp))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, unexpectedStatus("reserve", productID, resp)
	}

	var snapshot domain.ProductSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, domain.Mark(errors.Wrapf(err, "decode product %s", productID), domain.ErrRemoteDependency)
	}
	if snapshot.ProductID == "" {
		snapshot.ProductID = productID
	}
	return &snapshot, nil
}

func (c *HTTPClient) MarkSold(ctx context.Context, productID string) error {
	return c.setStatus(ctx, productID, domain.ProductSold)
}

func (c *HTTPClient) MarkFailed(ctx context.Context, productID string) error {
	return c.setStatus(ctx, productID, domain.ProductFailedInAuction)
}

func (c *HTTPClient) Release(ctx context.Context, productID string) error {
	return c.setStatus(ctx, productID, domain.ProductAvailable)
}

func (c *HTTPClient) setStatus(ctx context.Context, productID string, status domain.ProductStatus) error {
	path := fmt.Sprintf("/api/catalog/product/%s/status/%s", url.PathEscape(productID), status)

	resp, err := c.put(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return unexpectedStatus("set status "+string(status), productID, resp)
	}
	c.log.Debug("Catalog status updated", "product_id", productID, "status", status)
	return nil
}

// put issues a bodiless PUT bounded by the client timeout. Transport
// failures and timeouts are remote dependency failures.
func (c *HTTPClient) put(ctx context.Context, path string) (*http.Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		// The body is read under this context, so cancel with the response.
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, nil)
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, "build catalog request")
		}
		resp, err := c.client.Do(req)
		if err != nil {
			cancel()
			return nil, domain.Mark(errors.Wrapf(err, "PUT %s", path), domain.ErrRemoteDependency)
		}
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build catalog request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.Mark(errors.Wrapf(err, "PUT %s", path), domain.ErrRemoteDependency)
	}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func unexpectedStatus(op, productID string, resp *http.Response) error {
	return domain.Newf(domain.ErrRemoteDependency, "catalog %s for product %s: status %d: %s",
		op, productID, resp.StatusCode, readBody(resp))
}

func readBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return strings.TrimSpace(string(body))
}
