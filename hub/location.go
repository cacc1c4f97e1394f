package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

var tierMaxAge = map[LocationTier]time.Duration{
	TierRealtime:        1_000 * time.Millisecond,
	TierHigh:            10_000 * time.Millisecond,
	TierStandard:        30_000 * time.Millisecond,
	TierTenMeters:       30_000 * time.Millisecond,
	TierHundredMeters:   60_000 * time.Millisecond,
	TierKilometer:       300_000 * time.Millisecond,
	TierThreeKilometers: 900_000 * time.Millisecond,
	TierReduced:         900_000 * time.Millisecond,
}

type pendingLocationPoll struct {
	pkg string
}

// LocationControllerDeps wires the capability interfaces this
// controller needs.
type LocationControllerDeps struct {
	UserID              string
	Store               UserStore
	DeviceTransportOpen func() bool
	SendToDevice        func(data []byte) error
	SendToApp           func(pkg string, data []byte)
	Broadcast           func(data []byte)
}

// LocationController implements §4.8's tier selection, one-shot polls,
// freshness cache, and cold-cache seed/persist.
type LocationController struct {
	mu   sync.Mutex
	last NormalizedLocation
	have bool

	effectiveTier LocationTier
	pending       map[string]pendingLocationPoll // correlation-id -> poll

	cfg   Config
	clock Clock
	deps  LocationControllerDeps
	log   componentLogger
}

// NewLocationController constructs a controller for one Session,
// seeding the last-known location from the cold cache.
func NewLocationController(cfg Config, clock Clock, deps LocationControllerDeps) *LocationController {
	c := &LocationController{
		effectiveTier: TierReduced,
		pending:       make(map[string]pendingLocationPoll),
		cfg:           cfg,
		clock:         clock,
		deps:          deps,
		log:           newLogger("location"),
	}
	if deps.Store != nil {
		if loc, ok, err := deps.Store.LoadLastLocation(deps.UserID); err == nil && ok {
			c.last = loc
			c.have = true
		} else if err != nil {
			c.log.Printf("cold cache seed failed: %v", &StoreError{Op: "LoadLastLocation", Err: err})
		}
	}
	return c
}

// LocationUpdate is the payload shape accepted by updateFromAPI/
// updateFromWebsocket. The device route fills it from the "lat", "lng"
// and "accuracy" keys only; Expo-style coordinate keys are not read.
type LocationUpdate struct {
	Lat           float64
	Lng           float64
	Accuracy      float64
	HasAccuracy   bool
	Timestamp     time.Time
	CorrelationID string
}

// UpdateFromAPI implements §4.8's updateFromAPI.
func (c *LocationController) UpdateFromAPI(update LocationUpdate) {
	c.apply(update)
}

// UpdateFromWebsocket implements §4.8's updateFromWebsocket.
func (c *LocationController) UpdateFromWebsocket(update LocationUpdate) {
	c.apply(update)
}

func (c *LocationController) apply(update LocationUpdate) {
	ts := update.Timestamp
	if ts.IsZero() {
		ts = c.clock.Now()
	}
	loc := NormalizedLocation{Lat: update.Lat, Lng: update.Lng, Accuracy: update.Accuracy, HasAcc: update.HasAccuracy, Timestamp: ts}

	if update.CorrelationID != "" {
		c.mu.Lock()
		poll, ok := c.pending[update.CorrelationID]
		if ok {
			delete(c.pending, update.CorrelationID)
		}
		c.mu.Unlock()
		if ok {
			c.sendLocationToApp(poll.pkg, loc)
			return
		}
	}

	c.mu.Lock()
	c.last = loc
	c.have = true
	c.mu.Unlock()

	c.broadcastLocation(loc)
}

func (c *LocationController) sendLocationToApp(pkg string, loc NormalizedLocation) {
	if c.deps.SendToApp == nil {
		return
	}
	data, _ := Encode("data_stream", c.clock.Now().UnixMilli(), map[string]any{
		"streamType": "location-stream",
		"data":       locationFields(loc),
	})
	c.deps.SendToApp(pkg, data)
}

func (c *LocationController) broadcastLocation(loc NormalizedLocation) {
	if c.deps.Broadcast == nil {
		return
	}
	data, _ := Encode("data_stream", c.clock.Now().UnixMilli(), map[string]any{
		"streamType": "location-stream",
		"data":       locationFields(loc),
	})
	c.deps.Broadcast(data)
}

func locationFields(loc NormalizedLocation) map[string]any {
	f := map[string]any{"lat": loc.Lat, "lng": loc.Lng, "timestamp": loc.Timestamp.UnixMilli()}
	if loc.HasAcc {
		f["accuracy"] = loc.Accuracy
	}
	return f
}

// HandlePollRequestFromApp implements §4.8's handlePollRequestFromApp.
func (c *LocationController) HandlePollRequestFromApp(accuracy string, pkg string) (correlationID string, immediate *NormalizedLocation) {
	tier := ParseLocationTier(accuracy)
	maxAge := tierMaxAge[tier]

	c.mu.Lock()
	if c.have && c.clock.Now().Sub(c.last.Timestamp) <= maxAge {
		loc := c.last
		c.mu.Unlock()
		return "", &loc
	}
	c.mu.Unlock()

	correlationID = uuid.NewString()
	c.mu.Lock()
	c.pending[correlationID] = pendingLocationPoll{pkg: pkg}
	c.mu.Unlock()

	if c.deps.DeviceTransportOpen != nil && c.deps.DeviceTransportOpen() && c.deps.SendToDevice != nil {
		data, _ := Encode("request_single_location", c.clock.Now().UnixMilli(), map[string]any{
			"accuracy":      accuracy,
			"correlationId": correlationID,
		})
		_ = c.deps.SendToDevice(data)
	}
	return correlationID, nil
}

// OnSubscriptionChange implements §4.8's onSubscriptionChange: compute
// the effective tier as the highest-ranked rate among subscriptions and
// push SET_LOCATION_TIER on change, relaying the last location to
// newly-subscribed packages.
func (c *LocationController) OnSubscriptionChange(rates []string, newlySubscribed []string) {
	tier := TierReduced
	for _, rate := range rates {
		if t := ParseLocationTier(rate); t > tier {
			tier = t
		}
	}

	c.mu.Lock()
	changed := tier != c.effectiveTier
	c.effectiveTier = tier
	last := c.last
	have := c.have
	c.mu.Unlock()

	if changed && c.deps.DeviceTransportOpen != nil && c.deps.DeviceTransportOpen() && c.deps.SendToDevice != nil {
		data, _ := Encode("set_location_tier", c.clock.Now().UnixMilli(), map[string]any{"tier": tier.String()})
		_ = c.deps.SendToDevice(data)
	}

	if have {
		for _, pkg := range newlySubscribed {
			c.sendLocationToApp(pkg, last)
		}
	}
}

// Dispose persists the last known location to the user store.
func (c *LocationController) Dispose() {
	c.mu.Lock()
	loc, have := c.last, c.have
	c.mu.Unlock()
	if have && c.deps.Store != nil {
		if err := c.deps.Store.SaveLastLocation(c.deps.UserID, loc); err != nil {
			c.log.Printf("persist last location failed: %v", &StoreError{Op: "SaveLastLocation", Err: err})
		}
	}
}
