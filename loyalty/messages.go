package loyalty

import (
	"errors"
	"strings"

	"github.com/warp/loyalty-engine/platform"
)

// Reason is a stable machine-readable failure code shown to storefront
// clients next to a localized message.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonInvalidRequest        Reason = "invalid_request"
	ReasonCustomerNotFound      Reason = "customer_not_found"
	ReasonInsufficientPoints    Reason = "insufficient_points"
	ReasonPoolExhausted         Reason = "pool_exhausted"
	ReasonReconciliationPending Reason = "reconciliation_pending"
	ReasonInProgress            Reason = "in_progress"
	ReasonKeyReused             Reason = "idempotency_key_reused"
	ReasonUnavailable           Reason = "unavailable"
	ReasonCompensationFailed    Reason = "compensation_failed"
)

// ReasonFor classifies err. Anything unrecognized is ReasonUnavailable.
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrCompensationFailed):
		return ReasonCompensationFailed
	case errors.Is(err, ErrInsufficientPoints):
		return ReasonInsufficientPoints
	case errors.Is(err, ErrPoolExhausted):
		return ReasonPoolExhausted
	case errors.Is(err, ErrReconciliationPending):
		return ReasonReconciliationPending
	case errors.Is(err, ErrRedemptionInProgress):
		return ReasonInProgress
	case errors.Is(err, ErrIdempotencyKeyReused):
		return ReasonKeyReused
	case errors.Is(err, platform.ErrCustomerNotFound):
		return ReasonCustomerNotFound
	case errors.Is(err, ErrMissingCustomerID),
		errors.Is(err, ErrInvalidRedemption),
		errors.Is(err, ErrInvalidEvent),
		errors.Is(err, ErrInvalidSettings):
		return ReasonInvalidRequest
	default:
		return ReasonUnavailable
	}
}

var messages = map[string]map[Reason]string{
	"en": {
		ReasonInvalidRequest:        "invalid redemption request",
		ReasonCustomerNotFound:      "customer not found",
		ReasonInsufficientPoints:    "not enough points",
		ReasonPoolExhausted:         "no rewards currently available",
		ReasonReconciliationPending: "a previous redemption is being reviewed, please contact support",
		ReasonInProgress:            "this redemption is already being processed",
		ReasonKeyReused:             "this request id was already used for another redemption",
		ReasonUnavailable:           "please try again later",
		ReasonCompensationFailed:    "something went wrong, our team has been notified",
	},
	"fr": {
		ReasonInvalidRequest:        "demande d'échange invalide",
		ReasonCustomerNotFound:      "client introuvable",
		ReasonInsufficientPoints:    "points insuffisants",
		ReasonPoolExhausted:         "aucune récompense disponible pour le moment",
		ReasonReconciliationPending: "un échange précédent est en cours de vérification, contactez le support",
		ReasonInProgress:            "cet échange est déjà en cours de traitement",
		ReasonKeyReused:             "cet identifiant de requête a déjà servi pour un autre échange",
		ReasonUnavailable:           "veuillez réessayer plus tard",
		ReasonCompensationFailed:    "une erreur est survenue, notre équipe a été prévenue",
	},
}

// Message returns the user-facing text for reason in lang. lang may be a
// full tag ("fr-CA") or an Accept-Language value; unknown languages fall
// back to English.
func Message(reason Reason, lang string) string {
	if reason == ReasonNone {
		return ""
	}
	table, ok := messages[baseLanguage(lang)]
	if !ok {
		table = messages["en"]
	}
	if msg, ok := table[reason]; ok {
		return msg
	}
	return messages["en"][ReasonUnavailable]
}

func baseLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if i := strings.IndexAny(lang, ",;"); i >= 0 {
		lang = lang[:i]
	}
	if i := strings.IndexAny(lang, "-_"); i >= 0 {
		lang = lang[:i]
	}
	return strings.ToLower(lang)
}
