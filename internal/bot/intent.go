package bot

import "strings"

// Coarse message intents.
const (
	IntentDonationFood       = "DONATION_FOOD"
	IntentBeneficiaryRequest = "BENEFICIARY_REQUEST"
	IntentVolunteerSignup    = "VOLUNTEER_SIGNUP"
	IntentOther              = "OTHER"
)

var (
	foodKeywords        = []string{"طعام", "أكل", "وجبات", "وليمة"}
	beneficiaryKeywords = []string{"سلة", "مساعدة", "معونة", "احتاج", "محتاجة"}
	volunteerKeywords   = []string{"تطوع", "متطوع", "تطوّع"}
)

// ClassifyIntent maps a message to a coarse intent by keyword matching.
// Donation wins over the other intents when keywords overlap.
func ClassifyIntent(text string) string {
	t := strings.TrimSpace(text)
	if t == "" {
		return IntentOther
	}
	if strings.Contains(t, "تبرع") || containsAny(t, foodKeywords) {
		return IntentDonationFood
	}
	if containsAny(t, beneficiaryKeywords) {
		return IntentBeneficiaryRequest
	}
	if containsAny(t, volunteerKeywords) {
		return IntentVolunteerSignup
	}
	return IntentOther
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
