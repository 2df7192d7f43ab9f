package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/clearlinehq/vaultbridge/api/responses"
	gatewaywebhook "github.com/clearlinehq/vaultbridge/internal/webhooks/gateway"
	pkgerrors "github.com/clearlinehq/vaultbridge/pkg/errors"
	"github.com/clearlinehq/vaultbridge/pkg/logger"
)

const signatureHeader = "X-Gateway-Signature"

type GatewayWebhookService interface {
	Process(ctx context.Context, raw []byte) (*gatewaywebhook.ProcessResult, error)
}

type signatureVerifier interface {
	Verify(body []byte, signature string) bool
}

type gatewayWebhookResponse struct {
	EventKey    string `json:"event_key"`
	EventType   string `json:"event_type"`
	Disposition string `json:"disposition"`
}

// GatewayWebhook receives card gateway event deliveries. Anything bearing a
// valid signature is acknowledged; only infrastructure failures return an
// error status so the gateway redelivers.
func GatewayWebhook(svc GatewayWebhookService, verifier signatureVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}
		if verifier == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "signature verifier unavailable"))
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		signature := r.Header.Get(signatureHeader)
		if signature == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "gateway signature missing"))
			return
		}
		if !verifier.Verify(payload, signature) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "gateway signature mismatch"))
			return
		}

		result, err := svc.Process(ctx, payload)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if logg != nil {
			logCtx := logg.WithEventKey(ctx, result.EventKey)
			logg.Info(logCtx, "gateway event acknowledged")
		}
		responses.WriteSuccess(w, gatewayWebhookResponse{
			EventKey:    result.EventKey,
			EventType:   result.EventType,
			Disposition: string(result.Disposition),
		})
	}
}
