package hub

import (
	"sort"
	"sync"
)

// CalendarCache is a session-scoped, capped event cache with
// present/future-ascending then past-descending ordering (§4.9),
// grounded on room.go's bounded msgStore eviction pattern.
type CalendarCache struct {
	mu     sync.Mutex
	events map[string]CalendarEvent // keyed by event-id + dt-start dedup key
	order  []string

	subscribedApps map[string]struct{}

	cfg       Config
	clock     Clock
	sendToApp func(pkg string, data []byte)
	broadcast func(data []byte)

	log componentLogger
}

// NewCalendarCache constructs a cache for one Session.
func NewCalendarCache(cfg Config, clock Clock, sendToApp func(pkg string, data []byte), broadcast func(data []byte)) *CalendarCache {
	return &CalendarCache{
		events:         make(map[string]CalendarEvent),
		subscribedApps: make(map[string]struct{}),
		cfg:            cfg,
		clock:          clock,
		sendToApp:      sendToApp,
		broadcast:      broadcast,
		log:            newLogger("calendar"),
	}
}

func dedupKey(ev CalendarEvent) string {
	return ev.EventID + "|" + ev.DTStart.Format("2006-01-02T15:04:05")
}

// Add implements updateEventsFromAPI/updateEventFromWebsocket's add
// step: dedup, cap (evicting the earliest-inserted event), broadcast.
// The prioritized ordering is applied on read by Ordered.
func (c *CalendarCache) Add(ev CalendarEvent) {
	c.mu.Lock()
	key := dedupKey(ev)
	if _, exists := c.events[key]; !exists {
		c.order = append(c.order, key)
	}
	c.events[key] = ev
	if len(c.order) > c.cfg.CalendarCacheCap {
		evictKey := c.order[0]
		c.order = c.order[1:]
		delete(c.events, evictKey)
	}
	c.mu.Unlock()

	c.broadcastEvent(ev)
}

func (c *CalendarCache) broadcastEvent(ev CalendarEvent) {
	if c.broadcast == nil {
		return
	}
	data, _ := Encode("data_stream", c.clock.Now().UnixMilli(), map[string]any{
		"streamType": "calendar-event",
		"data":       calendarFields(ev),
	})
	c.broadcast(data)
}

func calendarFields(ev CalendarEvent) map[string]any {
	return map[string]any{
		"eventId":  ev.EventID,
		"title":    ev.Title,
		"dtStart":  ev.DTStart.UnixMilli(),
		"dtEnd":    ev.DTEnd.UnixMilli(),
		"timezone": ev.Timezone,
	}
}

// Ordered returns the cache's events ordered present-or-future first
// (ascending by dt-start), then past (descending by dt-start).
func (c *CalendarCache) Ordered() []CalendarEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	var upcoming, past []CalendarEvent
	for _, key := range c.order {
		ev := c.events[key]
		if ev.DTStart.Before(now) {
			past = append(past, ev)
		} else {
			upcoming = append(upcoming, ev)
		}
	}
	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].DTStart.Before(upcoming[j].DTStart) })
	sort.Slice(past, func(i, j int) bool { return past[i].DTStart.After(past[j].DTStart) })
	return append(upcoming, past...)
}

// HandleSubscriptionUpdate implements §4.9's subscription hook: replay
// the cached events to newly subscribed packages.
func (c *CalendarCache) HandleSubscriptionUpdate(pkg string, subscribed bool) {
	c.mu.Lock()
	_, already := c.subscribedApps[pkg]
	if subscribed {
		c.subscribedApps[pkg] = struct{}{}
	}
	c.mu.Unlock()

	if !subscribed || already {
		return
	}
	if c.sendToApp == nil {
		return
	}
	for _, ev := range c.Ordered() {
		data, _ := Encode("data_stream", c.clock.Now().UnixMilli(), map[string]any{
			"streamType": "calendar-event",
			"data":       calendarFields(ev),
		})
		c.sendToApp(pkg, data)
	}
}

// HandleUnsubscribe implements §4.9's handleUnsubscribe.
func (c *CalendarCache) HandleUnsubscribe(pkg string) {
	c.mu.Lock()
	delete(c.subscribedApps, pkg)
	c.mu.Unlock()
}
