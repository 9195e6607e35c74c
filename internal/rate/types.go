package rate

import "time"

// Window is the span a request budget refills over.
type Window int

const (
	Minute Window = iota
	Hour
	Day
)

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	default:
		return "unknown"
	}
}

func (w Window) Duration() time.Duration {
	switch w {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Declaration describes how hard a cloud provider may be called.
type Declaration struct {
	provider string
	limits   map[Window]int
	cacheTTL time.Duration
	cooldown time.Duration
}

func Provider(name string) Declaration {
	return Declaration{provider: name}
}

func (d Declaration) ProviderName() string {
	return d.provider
}

// MaxRequestsPer caps requests per window. Declarations are values; the
// returned copy owns a fresh limits map.
func (d Declaration) MaxRequestsPer(window Window, limit int) Declaration {
	limits := make(map[Window]int, len(d.limits)+1)
	for w, l := range d.limits {
		limits[w] = l
	}
	limits[window] = limit
	d.limits = limits
	return d
}

// CacheFor serves repeated GETs from memory for ttl while the budget is spent.
func (d Declaration) CacheFor(ttl time.Duration) Declaration {
	d.cacheTTL = ttl
	return d
}

// CooldownAfterThrottle is the pause applied after a 429 without Retry-After.
func (d Declaration) CooldownAfterThrottle(pause time.Duration) Declaration {
	d.cooldown = pause
	return d
}

func (d Declaration) Limits() map[Window]int {
	return d.limits
}

func (d Declaration) CacheTTL() time.Duration {
	return d.cacheTTL
}
