package session

import "time"

// dtmfCollector accumulates keypad digits into one entry while the session
// is in StateListeningDTMF. '#' submits the entry, '*' clears it, and an
// inter-digit timeout submits whatever has been entered. Owned by the
// session loop.
type dtmfCollector struct {
	interdigit time.Duration
	now        func() time.Time

	digits    []byte
	lastDigit time.Time
}

func newDTMFCollector(interdigit time.Duration) *dtmfCollector {
	return &dtmfCollector{interdigit: interdigit, now: time.Now}
}

// Press feeds one digit. It returns the submitted entry and done=true when
// '#' closes the entry; otherwise done is false.
func (c *dtmfCollector) Press(digit string) (entry string, done bool) {
	switch digit {
	case "#":
		entry = string(c.digits)
		c.digits = c.digits[:0]
		c.lastDigit = time.Time{}
		return entry, true
	case "*":
		c.digits = c.digits[:0]
		c.lastDigit = time.Time{}
		return "", false
	default:
		c.digits = append(c.digits, digit[0])
		c.lastDigit = c.now()
		return "", false
	}
}

// Deadline returns when the pending entry times out, and false if no entry
// is pending.
func (c *dtmfCollector) Deadline() (time.Time, bool) {
	if len(c.digits) == 0 || c.lastDigit.IsZero() {
		return time.Time{}, false
	}
	return c.lastDigit.Add(c.interdigit), true
}

// Expire submits the pending entry if the inter-digit timeout has passed.
func (c *dtmfCollector) Expire() (entry string, done bool) {
	deadline, ok := c.Deadline()
	if !ok || c.now().Before(deadline) {
		return "", false
	}
	entry = string(c.digits)
	c.digits = c.digits[:0]
	c.lastDigit = time.Time{}
	return entry, true
}

// Pending reports whether digits are waiting for more input.
func (c *dtmfCollector) Pending() bool {
	return len(c.digits) > 0
}

// Reset discards any pending digits.
func (c *dtmfCollector) Reset() {
	c.digits = c.digits[:0]
	c.lastDigit = time.Time{}
}
