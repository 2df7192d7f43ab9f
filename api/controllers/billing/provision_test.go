package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/clearlinehq/vaultbridge/internal/idempotency"
	"github.com/clearlinehq/vaultbridge/internal/saga"
)

type stubProvisionService struct {
	params  saga.ProvisionParams
	result  *saga.ProvisionResult
	outcome idempotency.Outcome
	err     error
}

func (s *stubProvisionService) Provision(ctx context.Context, params saga.ProvisionParams) (*saga.ProvisionResult, idempotency.Outcome, error) {
	s.params = params
	return s.result, s.outcome, s.err
}

func provisionBody() string {
	return `{"customer_id":"cust-1","plan_id":"plan-gold","payment_token":"tok-1","billing":{"first_name":"Ada","last_name":"Lovelace"}}`
}

func TestProvisionRequiresIdempotencyKey(t *testing.T) {
	handler := Provision(&stubProvisionService{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/provision", strings.NewReader(provisionBody()))
	resp := httptest.NewRecorder()
	handler(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key, got %d", resp.Code)
	}
}

func TestProvisionFirstAttemptReturnsCreated(t *testing.T) {
	service := &stubProvisionService{
		result:  &saga.ProvisionResult{SagaID: "saga-1", Status: "provisioned", VaultID: "vault-1", SubscriptionID: "gw-sub-1"},
		outcome: idempotency.FirstAttempt,
	}
	handler := Provision(service, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/provision", strings.NewReader(provisionBody()))
	req.Header.Set("Idempotency-Key", "key-1")
	resp := httptest.NewRecorder()
	handler(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if service.params.IdempotencyKey != "key-1" {
		t.Fatalf("expected idempotency key from header, got %q", service.params.IdempotencyKey)
	}
	if service.params.CustomerID != "cust-1" || service.params.PlanID != "plan-gold" {
		t.Fatalf("unexpected params: %+v", service.params)
	}

	var envelope struct {
		Data saga.ProvisionResult `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.SagaID != "saga-1" || envelope.Data.VaultID != "vault-1" {
		t.Fatalf("unexpected body: %+v", envelope.Data)
	}
}

func TestProvisionReplayReturnsOK(t *testing.T) {
	service := &stubProvisionService{
		result:  &saga.ProvisionResult{SagaID: "saga-1", Status: "provisioned"},
		outcome: idempotency.AlreadyCompleted,
	}
	handler := Provision(service, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/provision", strings.NewReader(provisionBody()))
	req.Header.Set("Idempotency-Key", "key-1")
	resp := httptest.NewRecorder()
	handler(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", resp.Code)
	}
}

func TestProvisionDeclinedSurfacesPaymentFailure(t *testing.T) {
	service := &stubProvisionService{
		result: &saga.ProvisionResult{
			SagaID:       "saga-2",
			Status:       "failed",
			FailedStep:   saga.StepSubscriptionCreate,
			ResultCode:   "300",
			ResultText:   "plan refused",
			Compensation: "compensated",
		},
		outcome: idempotency.FirstAttempt,
	}
	handler := Provision(service, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/provision", strings.NewReader(provisionBody()))
	req.Header.Set("Idempotency-Key", "key-2")
	resp := httptest.NewRecorder()
	handler(resp, req)

	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for declined saga, got %d: %s", resp.Code, resp.Body.String())
	}

	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Error.Details["failed_step"] != saga.StepSubscriptionCreate {
		t.Fatalf("expected failed step in details, got %+v", envelope.Error.Details)
	}
	if envelope.Error.Details["compensation"] != "compensated" {
		t.Fatalf("expected compensation in details, got %+v", envelope.Error.Details)
	}
}

func TestProvisionRejectsIncompleteBody(t *testing.T) {
	handler := Provision(&stubProvisionService{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/provision", strings.NewReader(`{"customer_id":"cust-1"}`))
	req.Header.Set("Idempotency-Key", "key-3")
	resp := httptest.NewRecorder()
	handler(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete body, got %d", resp.Code)
	}
}
