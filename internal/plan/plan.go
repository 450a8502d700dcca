// Package plan maps subscription tiers to form quotas and feature gates.
package plan

import (
	"errors"
	"fmt"
	"strings"
)

type Tier string
type Feature string

const (
	TierHobby    Tier = "hobby"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

const (
	FeatureChatFields        Feature = "chat_fields"
	FeatureKnowledgeBase     Feature = "knowledge_base"
	FeatureAppointmentFields Feature = "appointment_fields"
	FeaturePDFExport         Feature = "pdf_export"
	FeatureRemoveBranding    Feature = "remove_branding"
)

var ErrFormLimitReached = errors.New("form limit reached for plan")

// LimitError carries the tier and cap behind ErrFormLimitReached.
type LimitError struct {
	Tier  Tier
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s plan allows at most %d forms", e.Tier, e.Limit)
}

func (e *LimitError) Unwrap() error { return ErrFormLimitReached }

func Normalize(tier string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(tier))) {
	case TierPro:
		return TierPro
	case TierBusiness:
		return TierBusiness
	default:
		return TierHobby
	}
}

// FormLimit returns the maximum number of forms for tier; 0 means unlimited.
func FormLimit(tier Tier) int {
	switch tier {
	case TierBusiness:
		return 0
	case TierPro:
		return 50
	default:
		return 5
	}
}

// CheckFormQuota reports whether one more form fits under the tier's cap.
func CheckFormQuota(tier Tier, current int) error {
	limit := FormLimit(tier)
	if limit > 0 && current >= limit {
		return &LimitError{Tier: tier, Limit: limit}
	}
	return nil
}

func Can(tier Tier, feature Feature) bool {
	switch tier {
	case TierBusiness:
		return true
	case TierPro:
		return feature != FeatureRemoveBranding
	default:
		return false
	}
}

// Features lists what tier unlocks, in a stable order.
func Features(tier Tier) []Feature {
	all := []Feature{FeatureChatFields, FeatureKnowledgeBase, FeatureAppointmentFields, FeaturePDFExport, FeatureRemoveBranding}
	out := make([]Feature, 0, len(all))
	for _, feature := range all {
		if Can(tier, feature) {
			out = append(out, feature)
		}
	}
	return out
}
