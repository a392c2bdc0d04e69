package rate

// Window represents a provider rate-limit bucket.
type Window int

const (
	Minute Window = iota
	Day
)

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Day:
		return "day"
	default:
		return "unknown"
	}
}

// Headers describes provider-specific rate limit headers.
type Headers struct {
	LimitMinute     string
	RemainingMinute string
	LimitDay        string
	RemainingDay    string
	RetryAfter      string
}

// StandardHeaders returns the common header mapping. PetKit only ever sends
// Retry-After, with 429 and 503 answers.
func StandardHeaders() Headers {
	return Headers{
		LimitMinute:     "X-RateLimit-Limit-minute",
		RemainingMinute: "X-RateLimit-Remaining-minute",
		LimitDay:        "X-RateLimit-Limit-day",
		RemainingDay:    "X-RateLimit-Remaining-day",
		RetryAfter:      "Retry-After",
	}
}

// Declaration defines a provider's rate limits and header mapping.
type Declaration struct {
	provider    string
	limits      map[Window]int
	budgetFloor map[Window]int
	headers     Headers
}

// Provider creates a new declaration for a provider.
func Provider(name string) Declaration {
	return Declaration{provider: name}
}

func (d Declaration) ProviderName() string {
	return d.provider
}

func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	limits := make(map[Window]int, len(d.limits)+1)
	for w, l := range d.limits {
		limits[w] = l
	}
	limits[window] = limit
	d.limits = limits
	return d
}

func (d Declaration) BudgetFloor(window Window, floor int) Declaration {
	floors := make(map[Window]int, len(d.budgetFloor)+1)
	for w, f := range d.budgetFloor {
		floors[w] = f
	}
	floors[window] = floor
	d.budgetFloor = floors
	return d
}

func (d Declaration) ReadHeaders(headers Headers) Declaration {
	d.headers = headers
	return d
}

func (d Declaration) Limits() map[Window]int {
	return d.limits
}

func (d Declaration) BudgetFloors() map[Window]int {
	return d.budgetFloor
}

func (d Declaration) Headers() Headers {
	return d.headers
}

func (d Declaration) HasLimits() bool {
	return len(d.limits) > 0
}
