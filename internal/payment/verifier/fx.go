package verifier

import (
	"net/http"

	"github.com/smallbiznis/verdant/internal/config"
	"github.com/smallbiznis/verdant/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.verifier",
	fx.Provide(New),
)

func New(cfg config.Config, log *zap.Logger) domain.Verifier {
	log = log.Named("payment.verifier")
	if cfg.Verifier.Mode == config.VerifierModeStatic {
		if cfg.IsProduction() {
			log.Warn("static payment verifier enabled in production")
		}
		return Static{}
	}
	httpVerifier := NewHTTPVerifier(cfg.Verifier.Endpoint, cfg.Verifier.APIKey, &http.Client{})
	return NewRetrying(httpVerifier, cfg.Verifier.Timeout, cfg.Verifier.MaxAttempts, log)
}
