package registry

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Location is a fixed monitored geographic point with stable coordinates.
type Location struct {
	Key       string  `json:"key" validate:"required"`
	Name      string  `json:"name" validate:"required"`
	Region    string  `json:"region" validate:"required"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// Registry is the read-only mapping of location key to its metadata.
// It is built once at startup and never mutated afterwards.
type Registry struct {
	byKey map[string]Location
	order []string
}

// New validates the given locations and builds a Registry preserving
// their order.
func New(locations []Location) (*Registry, error) {
	if len(locations) == 0 {
		return nil, fmt.Errorf("registry requires at least one location")
	}

	r := &Registry{
		byKey: make(map[string]Location, len(locations)),
		order: make([]string, 0, len(locations)),
	}

	for _, loc := range locations {
		if err := validate.Struct(loc); err != nil {
			return nil, fmt.Errorf("invalid location %q: %w", loc.Key, err)
		}
		if _, exists := r.byKey[loc.Key]; exists {
			return nil, fmt.Errorf("duplicate location key %q", loc.Key)
		}
		r.byKey[loc.Key] = loc
		r.order = append(r.order, loc.Key)
	}

	return r, nil
}

// Get returns the location for key, if registered.
func (r *Registry) Get(key string) (Location, bool) {
	loc, ok := r.byKey[key]
	return loc, ok
}

// Contains reports whether key is a registered location.
func (r *Registry) Contains(key string) bool {
	_, ok := r.byKey[key]
	return ok
}

// All returns every registered location in registration order.
func (r *Registry) All() []Location {
	out := make([]Location, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.byKey[key])
	}
	return out
}

// Keys returns every registered location key in registration order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered locations.
func (r *Registry) Len() int {
	return len(r.order)
}

// DefaultLocations returns the built-in monitored cities. Overridable
// through configuration.
func DefaultLocations() []Location {
	return []Location{
		{Key: "bangkok", Name: "Bangkok", Region: "TH", Latitude: 13.7563, Longitude: 100.5018},
		{Key: "delhi", Name: "Delhi", Region: "IN", Latitude: 28.7041, Longitude: 77.1025},
		{Key: "beijing", Name: "Beijing", Region: "CN", Latitude: 39.9042, Longitude: 116.4074},
		{Key: "london", Name: "London", Region: "GB", Latitude: 51.5074, Longitude: -0.1278},
		{Key: "new_york", Name: "New York", Region: "US", Latitude: 40.7128, Longitude: -74.0060},
		{Key: "los_angeles", Name: "Los Angeles", Region: "US", Latitude: 34.0522, Longitude: -118.2437},
	}
}
