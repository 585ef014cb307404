package models

// Profile is the billing view of a user's row in the profiles table. The row
// is created at signup; this service only flips the paid flag and the
// subscription reference.
type Profile struct {
	ID             string  `json:"id"`
	Paid           bool    `json:"paid"`
	SubscriptionID *string `json:"subscription_id"`
}

// Consistent reports whether the profile satisfies paid => subscription_id != nil.
func (p Profile) Consistent() bool {
	return !p.Paid || (p.SubscriptionID != nil && *p.SubscriptionID != "")
}
