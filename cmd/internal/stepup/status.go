package stepup

// Status is the observable state of a 2FA challenge.
//
// PENDING, CONFIRMED, and REJECTED are stored values. EXPIRED is never
// written: it is reconstructed from key absence, so an abandoned challenge
// cleans itself up when its TTL lapses.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether the status can no longer transition.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusRejected
}

func parseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusPending, StatusConfirmed, StatusRejected:
		return Status(raw), true
	default:
		return "", false
	}
}
