package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/clearlinehq/vaultbridge/pkg/config"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

// Client is the synchronous transport to the gateway's transact and query
// endpoints. It is stateless; idempotency is the caller's concern and keys are
// only passed through on the wire.
type Client struct {
	httpClient  *http.Client
	transactURL string
	queryURL    string
	securityKey string
	maxAttempts int
	baseBackoff time.Duration
	logg        *logger.Logger
}

var (
	errSecurityKeyRequired = errors.New("gateway security key is required")
	errTransactURLRequired = errors.New("gateway transact url is required")
	errQueryURLRequired    = errors.New("gateway query url is required")
	errLoggerRequired      = errors.New("gateway logger is required")

	// errServerStatus marks a 5xx reply. The gateway received the request, so
	// for a mutating call an exhausted retry budget is ambiguous, not failed.
	errServerStatus = errors.New("gateway server error")
)

// NewClient initializes the gateway wrapper and validates the credentials.
func NewClient(ctx context.Context, cfg config.GatewayConfig, logg *logger.Logger) (*Client, error) {
	if logg == nil {
		return nil, errLoggerRequired
	}
	if strings.TrimSpace(cfg.SecurityKey) == "" {
		return nil, errSecurityKeyRequired
	}
	if strings.TrimSpace(cfg.TransactURL) == "" {
		return nil, errTransactURLRequired
	}
	if strings.TrimSpace(cfg.QueryURL) == "" {
		return nil, errQueryURLRequired
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 500 * time.Millisecond
	}

	c := &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		transactURL: cfg.TransactURL,
		queryURL:    cfg.QueryURL,
		securityKey: cfg.SecurityKey,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		logg:        logg,
	}

	logg.Info(ctx, "gateway client initialized")
	return c, nil
}

// Execute runs one transact operation. Declines and gateway errors come back
// as a Result; the error return is reserved for transport and integration
// faults per the taxonomy in pkg/errors.
func (c *Client) Execute(ctx context.Context, op Operation) (*Result, error) {
	form, err := op.values()
	if err != nil {
		return nil, err
	}
	form.Set("security_key", c.securityKey)

	logCtx := c.logg.WithField(ctx, "gateway_op", op.Name())
	c.logg.Debug(logCtx, "gateway request")

	body, err := c.post(logCtx, c.transactURL, form, op.Mutating())
	if err != nil {
		return nil, err
	}

	result, err := parseTransactResponse(body)
	if err != nil {
		c.logg.Error(logCtx, "gateway response unparsable", err)
		return nil, err
	}

	respCtx := c.logg.WithFields(logCtx, map[string]any{
		"outcome":        string(result.Outcome),
		"response_code":  result.ResponseCode,
		"transaction_id": result.TransactionID,
	})
	c.logg.Info(respCtx, "gateway response")
	return result, nil
}

// Query fetches the gateway's authoritative state for the selected records.
func (c *Client) Query(ctx context.Context, params QueryParams) (*QueryResult, error) {
	form := url.Values{}
	setIfPresent(form, "customer_vault_id", params.CustomerID)
	setIfPresent(form, "subscription_id", params.SubscriptionID)
	setIfPresent(form, "transaction_id", params.TransactionID)
	setIfPresent(form, "order_id", params.OrderID)
	if len(form) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "query requires at least one selector")
	}
	form.Set("security_key", c.securityKey)

	logCtx := c.logg.WithField(ctx, "gateway_op", "query")
	body, err := c.post(logCtx, c.queryURL, form, false)
	if err != nil {
		return nil, err
	}
	return parseQueryResponse(body)
}

// post issues the form request with bounded retries for transient failures.
// For a mutating operation an exhausted retry budget surfaces as an ambiguous
// outcome: the request may have landed, so the caller must reconcile rather
// than re-issue.
func (c *Client) post(ctx context.Context, endpoint string, form url.Values, mutating bool) ([]byte, error) {
	backoff := retry.WithMaxRetries(uint64(c.maxAttempts-1), retry.NewExponential(c.baseBackoff))

	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("%w: status %d", errServerStatus, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return pkgerrors.New(pkgerrors.CodeGatewayMalformed, fmt.Sprintf("gateway returned status %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return body, nil
	}

	if typed := pkgerrors.As(err); typed != nil {
		return nil, typed
	}
	if mutating && (errors.Is(err, errServerStatus) || isNetworkFailure(err)) {
		// The request may have been applied remotely. Never report failure;
		// reconciliation discovers the true outcome via the idempotency key.
		return nil, pkgerrors.Wrap(pkgerrors.CodeAmbiguousOutcome, err, "gateway call outcome unknown")
	}
	return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "gateway unreachable")
}

func isNetworkFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
