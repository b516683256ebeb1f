package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

const (
	DefaultCapacityDirect = 40
	DefaultCapacityWait   = 10
)

var departureNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("shuttle-slots/departure"))

// Seed is the route catalog file: routes, their stops and daily departure times.
type Seed struct {
	Routes []RouteSeed `yaml:"routes" validate:"required,min=1,unique=ID,dive"`
}

type RouteSeed struct {
	ID             string     `yaml:"id" validate:"required"`
	Name           string     `yaml:"name"`
	Kind           string     `yaml:"kind" validate:"omitempty,oneof=outbound return"`
	CapacityDirect *int       `yaml:"capacityDirect" validate:"omitempty,gte=0"`
	CapacityWait   *int       `yaml:"capacityWait" validate:"omitempty,gte=0"`
	Stops          []StopSeed `yaml:"stops" validate:"unique=ID,dive"`
	// Departures are daily "HH:MM" or "HH:MM:SS"; hours may exceed 23 for
	// service running past midnight.
	Departures []string `yaml:"departures" validate:"dive,required"`
}

type StopSeed struct {
	ID     string  `yaml:"id" validate:"required"`
	Name   string  `yaml:"name"`
	Lat    float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lon    float64 `yaml:"lon" validate:"gte=-180,lte=180"`
	Active *bool   `yaml:"active"`
}

func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a catalog document.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("validate seed: %w", err)
	}
	for _, r := range s.Routes {
		for _, d := range r.Departures {
			if _, err := parseDaySeconds(d); err != nil {
				return nil, fmt.Errorf("route %s: %w", r.ID, err)
			}
		}
	}
	return &s, nil
}

func (s *Seed) BuildRoutes() []model.Route {
	out := make([]model.Route, 0, len(s.Routes))
	for _, rs := range s.Routes {
		r := model.Route{
			ID:             rs.ID,
			Name:           rs.Name,
			Kind:           model.RouteKind(rs.Kind),
			CapacityDirect: DefaultCapacityDirect,
			CapacityWait:   DefaultCapacityWait,
		}
		if r.Kind == "" {
			r.Kind = model.RouteOutbound
		}
		if rs.CapacityDirect != nil {
			r.CapacityDirect = *rs.CapacityDirect
		}
		if rs.CapacityWait != nil {
			r.CapacityWait = *rs.CapacityWait
		}
		for i, st := range rs.Stops {
			r.Stops = append(r.Stops, model.Stop{
				ID:       st.ID,
				Name:     st.Name,
				Lat:      st.Lat,
				Lon:      st.Lon,
				Sequence: i + 1,
				Active:   st.Active == nil || *st.Active,
			})
		}
		out = append(out, r)
	}
	return out
}

// BuildDepartures expands the daily times into concrete departures for days
// service days starting with the day of from, in from's location.
func (s *Seed) BuildDepartures(from time.Time, days int) []model.Departure {
	routes := s.BuildRoutes()
	y, m, day := from.Date()
	var out []model.Departure
	for d := 0; d < days; d++ {
		for i, rs := range s.Routes {
			for _, hhmm := range rs.Departures {
				sec, _ := parseDaySeconds(hhmm)
				at := serviceTime(y, m, day+d, sec, from.Location())
				out = append(out, model.Departure{
					ID:             DepartureID(rs.ID, at),
					RouteID:        rs.ID,
					ScheduledAt:    at,
					CapacityDirect: routes[i].CapacityDirect,
					CapacityWait:   routes[i].CapacityWait,
					Active:         true,
				})
			}
		}
	}
	return out
}

// DepartureID is stable for a route and instant, so re-seeding upserts.
func DepartureID(routeID string, at time.Time) string {
	return uuid.NewSHA1(departureNamespace, []byte(routeID+"@"+at.UTC().Format(time.RFC3339))).String()
}

// ApplySeed writes the catalog and the departures of the next days service days.
func ApplySeed(ctx context.Context, cat store.Catalog, s *Seed, from time.Time, days int) (routes, departures int, err error) {
	for _, r := range s.BuildRoutes() {
		if err := cat.PutRoute(ctx, r); err != nil {
			return routes, departures, fmt.Errorf("put route %s: %w", r.ID, err)
		}
		routes++
	}
	for _, d := range s.BuildDepartures(from, days) {
		if err := cat.PutDeparture(ctx, d); err != nil {
			return routes, departures, fmt.Errorf("put departure %s: %w", d.ID, err)
		}
		departures++
	}
	return routes, departures, nil
}

// serviceTime resolves a wall-clock offset on a service day. Hours past 23
// roll into the following calendar days, so a DST switch on the service day
// does not move the departure.
func serviceTime(y int, m time.Month, d, sec int, loc *time.Location) time.Time {
	h := sec / 3600
	return time.Date(y, m, d+h/24, h%24, sec/60%60, sec%60, 0, loc)
}

// parseDaySeconds parses HH:MM[:SS] possibly with hours >= 24.
func parseDaySeconds(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid departure time %q", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || (i > 0 && n > 59) {
			return 0, fmt.Errorf("invalid departure time %q", s)
		}
		vals[i] = n
	}
	return vals[0]*3600 + vals[1]*60 + vals[2], nil
}
