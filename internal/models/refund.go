package models

// RefundPolicy maps a failure classification to the share of consumed credits
// returned to the user.
type RefundPolicy struct {
	ErrorType        string `json:"error_type"`
	ShouldRefund     bool   `json:"should_refund"`
	RefundPercentage int    `json:"refund_percentage"`
}
