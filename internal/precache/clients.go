package precache

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	clientIDHeader = "X-Client-Id"
	clientCookie   = "precache_client"
)

// Clients tracks the page contexts talking to the cache. A client first seen
// while no generation is active stays uncontrolled until it navigates again or
// is claimed.
type Clients struct {
	idle time.Duration
	now  func() time.Time

	mu sync.Mutex
	m  map[string]*clientState
}

type clientState struct {
	controlled bool
	lastSeen   time.Time
}

func NewClients(idle time.Duration) *Clients {
	return &Clients{idle: idle, now: time.Now, m: map[string]*clientState{}}
}

// Touch records activity for id and reports whether it is controlled.
func (c *Clients) Touch(id string, navigation, active bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	st, ok := c.m[id]
	if !ok || c.expiredLocked(st, now) {
		st = &clientState{controlled: active}
		c.m[id] = st
	} else if !st.controlled && navigation && active {
		st.controlled = true
	}
	st.lastSeen = now
	return st.controlled
}

func (c *Clients) Release(id string) {
	c.mu.Lock()
	delete(c.m, id)
	c.mu.Unlock()
}

// Claim puts every known client under control and returns how many changed.
func (c *Clients) Claim() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.m {
		if !st.controlled {
			st.controlled = true
			n++
		}
	}
	return n
}

// Controlled counts live controlled clients, pruning expired ones.
func (c *Clients) Controlled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for id, st := range c.m {
		if c.expiredLocked(st, now) {
			delete(c.m, id)
			continue
		}
		if st.controlled {
			n++
		}
	}
	return n
}

// Prune drops clients idle past the timeout and returns how many went.
func (c *Clients) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for id, st := range c.m {
		if c.expiredLocked(st, now) {
			delete(c.m, id)
			n++
		}
	}
	return n
}

func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

func (c *Clients) expiredLocked(st *clientState, now time.Time) bool {
	return c.idle > 0 && now.Sub(st.lastSeen) > c.idle
}

// clientID reads the page context id from the request. Navigations without one
// get a fresh id, returned with assigned=true so the caller can set the cookie.
func clientID(r *http.Request, navigation bool) (id string, assigned bool) {
	if v := r.Header.Get(clientIDHeader); v != "" {
		return v, false
	}
	if c, err := r.Cookie(clientCookie); err == nil && c.Value != "" {
		return c.Value, false
	}
	if !navigation {
		return "", false
	}
	return uuid.NewString(), true
}

func setClientCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     clientCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
