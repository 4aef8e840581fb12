package automation

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/hearth-core/internal/core"
)

// DeviceConditionFunc evaluates a device condition for one
// integration domain.
type DeviceConditionFunc func(cond Condition) bool

// Runtime bundles the collaborators every trigger, condition, and
// script needs. One Runtime serves all automations.
type Runtime struct {
	states   States
	bus      Bus
	services ServiceCaller
	tmpl     Renderer
	logger   Logger
	now      func() time.Time

	devMu    sync.RWMutex
	devConds map[string]DeviceConditionFunc
}

// NewRuntime wires the runtime. bus, states, services, and tmpl are
// required; logger may be nil.
func NewRuntime(states States, bus Bus, services ServiceCaller, tmpl Renderer, logger Logger) *Runtime {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Runtime{
		states:   states,
		bus:      bus,
		services: services,
		tmpl:     tmpl,
		logger:   logger,
		now:      time.Now,
		devConds: make(map[string]DeviceConditionFunc),
	}
}

// SetClock overrides the wall clock used by time conditions and
// schedule computation. Intended for tests.
func (r *Runtime) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// RegisterDeviceCondition installs the evaluator for one integration
// domain's device conditions.
func (r *Runtime) RegisterDeviceCondition(domain string, fn DeviceConditionFunc) {
	r.devMu.Lock()
	defer r.devMu.Unlock()
	r.devConds[domain] = fn
}

func (r *Runtime) deviceCondition(domain string) (DeviceConditionFunc, bool) {
	r.devMu.RLock()
	defer r.devMu.RUnlock()
	fn, ok := r.devConds[domain]
	return fn, ok
}

// numericState coerces an entity's current state to a float.
func numericState(s *core.State) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(s.State, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// attrFloat reads a numeric attribute from a state.
func attrFloat(s *core.State, name string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	switch v := s.Attr(name).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// zoneEntityID normalizes a configured zone name to its entity id.
func zoneEntityID(name string) core.EntityID {
	if name == "" {
		return ""
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return core.EntityID(name)
		}
	}
	return core.EntityID("zone." + name)
}

// inZone reports whether tracker is inside the named zone, using the
// zone entity's latitude/longitude/radius attributes. A tracker whose
// state equals the zone's friendly name counts as inside even without
// coordinates.
func (r *Runtime) inZone(tracker *core.State, zone core.EntityID) bool {
	if tracker == nil {
		return false
	}
	z := r.states.Get(zone)
	if z == nil {
		return false
	}
	if name, ok := z.Attributes.Get("friendly_name"); ok {
		if s, sok := name.(string); sok && tracker.State == s {
			return true
		}
	}
	if tracker.State == zone.ObjectID() {
		return true
	}
	tLat, ok1 := attrFloat(tracker, "latitude")
	tLon, ok2 := attrFloat(tracker, "longitude")
	zLat, ok3 := attrFloat(z, "latitude")
	zLon, ok4 := attrFloat(z, "longitude")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false
	}
	radius, ok := attrFloat(z, "radius")
	if !ok {
		radius = 100
	}
	return haversineMeters(tLat, tLon, zLat, zLon) <= radius
}

// haversineMeters is the great-circle distance between two
// coordinates.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
