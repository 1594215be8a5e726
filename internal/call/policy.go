package call

import "time"

// Policy is the time-window precondition for starting a video call. It is a
// pure check: denial has no side effects. An empty hour list allows calls at
// any time.
type Policy struct {
	allowedHours []int
	now          func() time.Time
}

func NewPolicy(allowedHours []int) *Policy {
	return &Policy{allowedHours: allowedHours, now: time.Now}
}

// CanStartVideoChat reports whether a call may be started right now.
func (p *Policy) CanStartVideoChat() bool {
	if len(p.allowedHours) == 0 {
		return true
	}
	hour := p.now().Hour()
	for _, h := range p.allowedHours {
		if h == hour {
			return true
		}
	}
	return false
}
