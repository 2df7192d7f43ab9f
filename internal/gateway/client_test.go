package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clearlinehq/vaultbridge/pkg/config"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Level: zerolog.Disabled, Output: io.Discard})
}

func testClient(t *testing.T, transactURL, queryURL string) *Client {
	t.Helper()
	client, err := NewClient(context.Background(), config.GatewayConfig{
		TransactURL: transactURL,
		QueryURL:    queryURL,
		SecurityKey: "sk-test",
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("building client: %v", err)
	}
	return client
}

func TestExecuteApproved(t *testing.T) {
	var form url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		form = r.PostForm
		w.Write([]byte("response=1&response_code=100&responsetext=SUCCESS&transactionid=gw-tx-1&authcode=A1"))
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)
	result, err := client.Execute(context.Background(), Sale{
		CustomerID:     "vault-1",
		Amount:         decimal.NewFromInt(25),
		IdempotencyKey: "charge-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Approved() {
		t.Fatalf("expected approval, got %+v", result)
	}
	if result.TransactionID != "gw-tx-1" || result.AuthCode != "A1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if form.Get("security_key") != "sk-test" {
		t.Fatal("expected security key on the wire")
	}
	if form.Get("orderid") != "charge-1" {
		t.Fatalf("expected idempotency key as order id, got %q", form.Get("orderid"))
	}
}

func TestExecuteDeclineIsAResultNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("response=2&response_code=200&responsetext=DECLINED"))
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)
	result, err := client.Execute(context.Background(), Sale{
		CustomerID:     "vault-1",
		Amount:         decimal.NewFromInt(25),
		IdempotencyKey: "charge-2",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outcome != OutcomeDeclined {
		t.Fatalf("expected declined outcome, got %s", result.Outcome)
	}
	if result.ResponseText != "DECLINED" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecuteMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance page</html>"))
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)
	_, err := client.Execute(context.Background(), Sale{
		CustomerID:     "vault-1",
		Amount:         decimal.NewFromInt(25),
		IdempotencyKey: "charge-3",
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeGatewayMalformed) {
		t.Fatalf("expected malformed classification, got %v", err)
	}
}

func TestExecuteRetriesTransientServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("response=1&response_code=100&transactionid=gw-tx-4"))
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)
	result, err := client.Execute(context.Background(), Sale{
		CustomerID:     "vault-1",
		Amount:         decimal.NewFromInt(25),
		IdempotencyKey: "charge-4",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if !result.Approved() {
		t.Fatalf("expected approval after retries, got %+v", result)
	}
}

func TestExecuteExhaustedRetriesOnMutatingCallIsAmbiguous(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)
	_, err := client.Execute(context.Background(), Sale{
		CustomerID:     "vault-1",
		Amount:         decimal.NewFromInt(25),
		IdempotencyKey: "charge-5",
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeAmbiguousOutcome) {
		t.Fatalf("expected ambiguous outcome, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected the full retry budget, got %d attempts", got)
	}
}

func TestQueryExhaustedRetriesIsDependencyFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)
	_, err := client.Query(context.Background(), QueryParams{CustomerID: "vault-1"})
	if !pkgerrors.HasCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency classification for a read, got %v", err)
	}
}

func TestExecuteConnectionRefusedOnMutatingCallIsAmbiguous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := testClient(t, server.URL, server.URL)
	_, err := client.Execute(context.Background(), Sale{
		CustomerID:     "vault-1",
		Amount:         decimal.NewFromInt(25),
		IdempotencyKey: "charge-6",
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeAmbiguousOutcome) {
		t.Fatalf("expected ambiguous outcome for a dropped connection, got %v", err)
	}
}

func TestQueryParsesRecords(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<query_response>
  <customer_vault>
    <customer_vault_id>vault-1</customer_vault_id>
    <cc_number>4xxxxxxxxxxx4242</cc_number>
  </customer_vault>
  <subscription>
    <subscription_id>gw-sub-1</subscription_id>
    <state>Active</state>
    <plan_id>plan-gold</plan_id>
  </subscription>
  <transaction>
    <transaction_id>gw-tx-1</transaction_id>
    <condition>pendingsettlement</condition>
    <amount>25.00</amount>
  </transaction>
</query_response>`))
	}))
	defer server.Close()

	client := testClient(t, server.URL, server.URL)
	result, err := client.Query(context.Background(), QueryParams{CustomerID: "vault-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.Vault == nil || result.Vault.LastFour != "4242" {
		t.Fatalf("unexpected vault record: %+v", result.Vault)
	}
	if result.Subscription == nil || result.Subscription.State != "active" {
		t.Fatalf("unexpected subscription record: %+v", result.Subscription)
	}
	if result.Transaction == nil || result.Transaction.Condition != "pendingsettlement" {
		t.Fatalf("unexpected transaction record: %+v", result.Transaction)
	}
}

func TestQueryRequiresASelector(t *testing.T) {
	client := testClient(t, "http://gateway.invalid/transact", "http://gateway.invalid/query")
	_, err := client.Query(context.Background(), QueryParams{})
	if !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
