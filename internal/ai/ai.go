// Package ai abstracts the reply generator behind a small interface so the
// bot pipeline does not care whether a real model sits behind it. The only
// shipped implementation returns canned per-intent replies.
package ai

import "context"

// Responder produces a reply for a user message that has already been
// classified into an intent.
type Responder interface {
	Reply(ctx context.Context, intent, message string) (string, error)
}

// Dummy is a placeholder Responder with a fixed reply per intent. It never
// fails and never leaves the process.
type Dummy struct{}

// NewDummy returns the canned-reply Responder.
func NewDummy() *Dummy { return &Dummy{} }

var cannedReplies = map[string]string{
	"DONATION_FOOD":       "شكرًا لرغبتك في التبرع بالطعام! سيتواصل معك فريق الجمعية لتنسيق الاستلام.",
	"BENEFICIARY_REQUEST": "تم استلام طلب المساعدة. سيقوم فريق الجمعية بمراجعته والتواصل معك قريبًا.",
	"VOLUNTEER_SIGNUP":    "يسعدنا انضمامك كمتطوع! سنتواصل معك بتفاصيل الفرص المتاحة.",
}

const defaultReply = "مرحبًا! أنا مساعد جمعية حفظ النعمة بحائل. كيف أقدر أخدمك؟"

// Reply returns the canned reply for the intent, or a generic greeting for
// anything unrecognized.
func (d *Dummy) Reply(_ context.Context, intent, _ string) (string, error) {
	if r, ok := cannedReplies[intent]; ok {
		return r, nil
	}
	return defaultReply, nil
}
