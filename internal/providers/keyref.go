package providers

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// MissingKeyError reports an API key reference pointing at an unset
// environment variable. Its message is stable and machine-matchable.
type MissingKeyError struct {
	EnvVar string
}

func (e *MissingKeyError) Error() string {
	return "missing_api_key_env:" + e.EnvVar
}

// ResolveAPIKey turns a key reference into a usable secret. Accepted forms:
//
//	literal value        used as-is
//	$NAME                value of $NAME
//	${NAME}              value of $NAME
//	${ENV:NAME}          value of $NAME
//	env:NAME             value of $NAME
//
// An empty reference resolves to "" (keyless providers). A reference to an
// unset variable fails with MissingKeyError.
func ResolveAPIKey(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}

	var name string
	switch {
	case strings.HasPrefix(ref, "env:"):
		name = strings.TrimSpace(strings.TrimPrefix(ref, "env:"))
	case strings.HasPrefix(ref, "${") && strings.HasSuffix(ref, "}"):
		name = strings.TrimSpace(ref[2 : len(ref)-1])
		if rest, ok := strings.CutPrefix(name, "ENV:"); ok {
			name = strings.TrimSpace(rest)
		}
	case strings.HasPrefix(ref, "$"):
		name = strings.TrimSpace(ref[1:])
	default:
		return ref, nil
	}

	if name == "" {
		return "", fmt.Errorf("empty env reference %q", ref)
	}
	v := os.Getenv(name)
	if v == "" {
		return "", &MissingKeyError{EnvVar: name}
	}
	return v, nil
}

// IsEnvReference reports whether a key string points at an environment
// variable rather than holding a literal secret.
func IsEnvReference(ref string) bool {
	ref = strings.TrimSpace(ref)
	return strings.HasPrefix(ref, "$") || strings.HasPrefix(ref, "env:")
}

// authProfile is one rotating credential.
type authProfile struct {
	label    string
	keyRef   string
	cooldown time.Duration
	pausedTo time.Time
}

// AuthPool rotates API keys round-robin and pauses profiles that hit auth
// failures so one revoked key does not take the provider down.
type AuthPool struct {
	mu       sync.Mutex
	profiles []*authProfile
	next     int
	now      func() time.Time
}

// AuthPoolEntry describes one profile for NewAuthPool.
type AuthPoolEntry struct {
	Label           string
	KeyRef          string
	CooldownMinutes int // pause after MarkAuthFailure (default 5)
}

// NewAuthPool builds a pool. Returns nil for an empty entry list so callers
// can treat "no pool" as the single-key path.
func NewAuthPool(entries []AuthPoolEntry) *AuthPool {
	if len(entries) == 0 {
		return nil
	}
	pool := &AuthPool{now: time.Now}
	for i, e := range entries {
		cd := time.Duration(e.CooldownMinutes) * time.Minute
		if cd <= 0 {
			cd = 5 * time.Minute
		}
		label := e.Label
		if label == "" {
			label = fmt.Sprintf("profile-%d", i+1)
		}
		pool.profiles = append(pool.profiles, &authProfile{
			label:    label,
			keyRef:   e.KeyRef,
			cooldown: cd,
		})
	}
	return pool
}

// Next returns the next usable profile's label and resolved key, skipping
// profiles paused by MarkAuthFailure. When every profile is paused the least
// recently paused one is used anyway rather than failing the call outright.
func (p *AuthPool) Next() (label, key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.profiles)

	var fallback *authProfile
	for i := 0; i < n; i++ {
		prof := p.profiles[(p.next+i)%n]
		if fallback == nil || prof.pausedTo.Before(fallback.pausedTo) {
			fallback = prof
		}
		if prof.pausedTo.After(now) {
			continue
		}
		p.next = (p.next + i + 1) % n
		k, rerr := ResolveAPIKey(prof.keyRef)
		if rerr != nil {
			// Unresolvable profile acts like a paused one.
			prof.pausedTo = now.Add(prof.cooldown)
			continue
		}
		return prof.label, k, nil
	}

	if fallback != nil {
		k, rerr := ResolveAPIKey(fallback.keyRef)
		if rerr == nil {
			return fallback.label, k, nil
		}
		return "", "", fmt.Errorf("auth pool exhausted: %w", rerr)
	}
	return "", "", fmt.Errorf("auth pool empty")
}

// MarkAuthFailure pauses the named profile for its configured cooldown.
func (p *AuthPool) MarkAuthFailure(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, prof := range p.profiles {
		if prof.label == label {
			prof.pausedTo = p.now().Add(prof.cooldown)
			return
		}
	}
}

// Size reports the number of profiles.
func (p *AuthPool) Size() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.profiles)
}
