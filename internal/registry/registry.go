// Package registry is the static venue catalog: capability metadata used for
// discovery, comparison and recommendation. It never touches the network and
// never holds credentials.
package registry

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrVenueNotFound = errors.New("venue not found")
	ErrNoCandidate   = errors.New("no available venue")
)

// VenueInfo is the capability metadata of one venue.
type VenueInfo struct {
	Key             string   `json:"key"`
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Status          string   `json:"status"`
	Markets         []string `json:"markets"`
	Features        []string `json:"features"`
	MakerFee        float64  `json:"makerFee"`
	TakerFee        float64  `json:"takerFee"`
	MinTradeSize    float64  `json:"minTradeSize"`
	RequiredFields  []string `json:"requiredFields"`
	AuthScheme      string   `json:"authScheme"`
	SupportsSandbox bool     `json:"supportsSandbox"`
}

// Available reports whether adapters can be built for the venue.
func (v VenueInfo) Available() bool { return v.Status == StatusAvailable }

func (v VenueInfo) clone() VenueInfo {
	v.Markets = slices.Clone(v.Markets)
	v.Features = slices.Clone(v.Features)
	v.RequiredFields = slices.Clone(v.RequiredFields)
	return v
}

// Registry is safe for concurrent use; overrides may be loaded at any time.
type Registry struct {
	mu     sync.RWMutex
	venues map[string]VenueInfo
}

// New returns a registry seeded with the built-in catalog.
func New() *Registry {
	r := &Registry{venues: make(map[string]VenueInfo)}
	for _, v := range builtin() {
		r.venues[v.Key] = v
	}
	return r
}

// ListVenues returns venues sorted by key. Planned venues are included only
// when includePlanned is set.
func (r *Registry) ListVenues(includePlanned bool) []VenueInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]VenueInfo, 0, len(r.venues))
	for _, v := range r.venues {
		if !includePlanned && !v.Available() {
			continue
		}
		out = append(out, v.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// GetVenueInfo returns ErrVenueNotFound for unknown keys.
func (r *Registry) GetVenueInfo(key string) (VenueInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[key]
	if !ok {
		return VenueInfo{}, fmt.Errorf("%w: %s", ErrVenueNotFound, key)
	}
	return v.clone(), nil
}

// RequiredFields implements the factory's credential schema lookup.
func (r *Registry) RequiredFields(key string) ([]string, error) {
	v, err := r.GetVenueInfo(key)
	if err != nil {
		return nil, err
	}
	return v.RequiredFields, nil
}

// Comparison is a side-by-side view of several venues.
type Comparison struct {
	Venues         []VenueInfo `json:"venues"`
	CheapestTaker  string      `json:"cheapestTaker"`
	CommonFeatures []string    `json:"commonFeatures"`
	CommonMarkets  []string    `json:"commonMarkets"`
}

// CompareVenues fails with ErrVenueNotFound if any key is unknown.
func (r *Registry) CompareVenues(keys ...string) (Comparison, error) {
	var c Comparison
	for _, k := range keys {
		v, err := r.GetVenueInfo(k)
		if err != nil {
			return Comparison{}, err
		}
		c.Venues = append(c.Venues, v)
	}
	if len(c.Venues) == 0 {
		return c, nil
	}
	cheapest := c.Venues[0]
	features := c.Venues[0].Features
	markets := c.Venues[0].Markets
	for _, v := range c.Venues[1:] {
		if v.TakerFee < cheapest.TakerFee || (v.TakerFee == cheapest.TakerFee && v.Key < cheapest.Key) {
			cheapest = v
		}
		features = intersect(features, v.Features)
		markets = intersect(markets, v.Markets)
	}
	c.CheapestTaker = cheapest.Key
	c.CommonFeatures = features
	c.CommonMarkets = markets
	return c, nil
}

func intersect(a, b []string) []string {
	out := []string{}
	for _, x := range a {
		if slices.Contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}

// Query describes what a caller wants from a venue. Empty fields match anything.
type Query struct {
	Type     string   `json:"type"`
	Features []string `json:"features"`
	Markets  []string `json:"markets"`
}

// Scoring weights.
const (
	weightType    = 30
	weightFeature = 10
	weightMarket  = 15
)

// Recommendation is the best-scoring venue for a Query.
type Recommendation struct {
	Venue VenueInfo `json:"venue"`
	Score int       `json:"score"`
}

// RecommendVenue scores available venues and returns the top one. Ties go to
// the lower taker fee, then to the lexically smaller key.
func (r *Registry) RecommendVenue(q Query) (Recommendation, error) {
	var best *Recommendation
	for _, v := range r.ListVenues(false) {
		rec := Recommendation{Venue: v, Score: score(v, q)}
		if best == nil || better(rec, *best) {
			best = &rec
		}
	}
	if best == nil {
		return Recommendation{}, ErrNoCandidate
	}
	return *best, nil
}

func score(v VenueInfo, q Query) int {
	s := 0
	if q.Type != "" && v.Type == q.Type {
		s += weightType
	}
	for _, f := range q.Features {
		if slices.Contains(v.Features, f) {
			s += weightFeature
		}
	}
	for _, m := range q.Markets {
		if slices.Contains(v.Markets, m) {
			s += weightMarket
		}
	}
	return s
}

func better(a, b Recommendation) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Venue.TakerFee != b.Venue.TakerFee {
		return a.Venue.TakerFee < b.Venue.TakerFee
	}
	return a.Venue.Key < b.Venue.Key
}

// override is one entry of the YAML catalog overrides file.
type override struct {
	MakerFee     *float64 `yaml:"maker_fee"`
	TakerFee     *float64 `yaml:"taker_fee"`
	MinTradeSize *float64 `yaml:"min_trade_size"`
}

type overridesFile struct {
	Venues map[string]override `yaml:"venues"`
}

// LoadOverrides merges fee and minimum-size updates from a YAML file:
//
//	venues:
//	  binance:
//	    taker_fee: 0.00075
//
// Unknown venue keys fail the whole load; nothing is applied in that case.
func (r *Registry) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file overridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse venue overrides: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range file.Venues {
		if _, ok := r.venues[key]; !ok {
			return fmt.Errorf("venue overrides: %w: %s", ErrVenueNotFound, key)
		}
	}
	for key, o := range file.Venues {
		v := r.venues[key]
		if o.MakerFee != nil {
			v.MakerFee = *o.MakerFee
		}
		if o.TakerFee != nil {
			v.TakerFee = *o.TakerFee
		}
		if o.MinTradeSize != nil {
			v.MinTradeSize = *o.MinTradeSize
		}
		r.venues[key] = v
	}
	return nil
}
