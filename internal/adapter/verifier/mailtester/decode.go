package mailtester

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/leadgen-engine/internal/domain"
)

// decode maps a vendor answer to a VerificationResult.
//
// code "ok" = deliverable, "ko" = rejected, "mb" = mailbox unverifiable.
// The message refines the verdict: Accepted, Limited, Rejected, Catch-All,
// No Mx, Mx Error, Timeout, SPAM Block.
func decode(email string, body apiResponse) domain.VerificationResult {
	code := strings.ToLower(body.Code)
	message := strings.ToLower(body.Message)
	mxFound := body.MX != "" && body.MX != "null"

	switch {
	case code == "ok" && message == "accepted":
		return domain.VerificationResult{
			Email:         email,
			Status:        domain.VerificationValid,
			IsDeliverable: true,
			MXFound:       mxFound,
		}

	case code == "ok" && message == "limited":
		return domain.VerificationResult{
			Email:         email,
			Status:        domain.VerificationValid,
			IsDeliverable: true,
			MXFound:       mxFound,
			Reason:        "valid but inbox has rate limits",
		}

	case message == "catch-all":
		return domain.VerificationResult{
			Email:         email,
			Status:        domain.VerificationCatchAll,
			IsDeliverable: true,
			IsCatchAll:    true,
			MXFound:       mxFound,
			Reason:        "catch-all domain - email may or may not exist",
		}

	// "mb" means the server will not confirm mailbox existence; treated the
	// same as catch-all downstream.
	case code == "mb":
		return domain.VerificationResult{
			Email:         email,
			Status:        domain.VerificationCatchAll,
			IsDeliverable: true,
			IsCatchAll:    true,
			MXFound:       mxFound,
			Reason:        "unverifiable - server won't confirm mailbox existence",
		}

	case code == "ko" || message == "rejected":
		return domain.VerificationResult{
			Email:   email,
			Status:  domain.VerificationInvalid,
			MXFound: mxFound,
			Reason:  "email rejected by mail server",
		}

	case message == "no mx":
		return domain.VerificationResult{
			Email:  email,
			Status: domain.VerificationInvalid,
			Reason: "no MX records found for domain",
		}

	case message == "mx error":
		return domain.VerificationResult{
			Email:   email,
			Status:  domain.VerificationUnknown,
			MXFound: mxFound,
			Reason:  "could not connect to mail server",
		}

	case message == "timeout":
		return domain.VerificationResult{
			Email:   email,
			Status:  domain.VerificationUnknown,
			MXFound: mxFound,
			Reason:  "mail server timeout",
		}

	case message == "spam block":
		return domain.VerificationResult{
			Email:   email,
			Status:  domain.VerificationUnknown,
			MXFound: mxFound,
			Reason:  "verification blocked by spam filter",
		}

	// No MX at all trumps whatever else the vendor said.
	case !mxFound:
		return domain.VerificationResult{
			Email:  email,
			Status: domain.VerificationInvalid,
			Reason: "no MX records found for domain",
		}

	// An "ok" with an unrecognised message is still deliverable.
	case code == "ok":
		return domain.VerificationResult{
			Email:         email,
			Status:        domain.VerificationValid,
			IsDeliverable: true,
			MXFound:       mxFound,
			Reason:        body.Message,
		}
	}

	reason := body.Message
	if reason == "" {
		reason = fmt.Sprintf("unknown response: code=%s", body.Code)
	}
	return domain.VerificationResult{
		Email:   email,
		Status:  domain.VerificationUnknown,
		MXFound: mxFound,
		Reason:  reason,
	}
}
