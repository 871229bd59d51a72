package verifier

import (
	"context"
	"regexp"
	"strings"

	"github.com/smallbiznis/verdant/internal/payment/domain"
)

var txHashPattern = regexp.MustCompile(`^(0x)?[0-9a-f]{64}$`)

// Static confirms every well-formed hash. It exists for local development only.
type Static struct{}

func (Static) Verify(ctx context.Context, req domain.VerifyRequest) (domain.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !txHashPattern.MatchString(strings.ToLower(strings.TrimSpace(req.TxHash))) {
		return domain.VerdictFailed, nil
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return domain.VerdictRecipientMismatch, nil
	}
	return domain.VerdictConfirmed, nil
}
