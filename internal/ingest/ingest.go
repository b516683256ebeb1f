// Package ingest subscribes to position feeds on NATS and hands each reading
// to the engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"shuttle-slots/internal/engine"
	"shuttle-slots/internal/geo"
	"shuttle-slots/internal/model"
)

const queueGroup = "shuttle-slots"

// PositionMessage is the wire format. Vehicle messages from the GTFS
// simulator carry only tripId and routeId; originId is then the trip.
type PositionMessage struct {
	OriginID  string    `json:"originId"`
	RouteID   string    `json:"routeId"`
	TripID    string    `json:"tripId"`
	Lat       *float64  `json:"lat"`
	Lon       *float64  `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

type Observer interface {
	ObservePosition(ctx context.Context, r model.PositionReading) (engine.PositionResult, error)
}

type DropMetrics interface {
	DroppedInc(reason string)
}

type Subscriber struct {
	nc      *nats.Conn
	prefix  string
	obs     Observer
	metrics DropMetrics
	timeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewSubscriber(nc *nats.Conn, prefix string, obs Observer, m DropMetrics) *Subscriber {
	return &Subscriber{nc: nc, prefix: prefix, obs: obs, metrics: m, timeout: 10 * time.Second}
}

// Subjects returns the vehicle and user wildcard subjects.
func Subjects(prefix string) (vehicle, user string) {
	return prefix + ".positions.vehicle.>", prefix + ".positions.user.>"
}

// Start subscribes both feeds in a queue group so several daemons share the load.
func (s *Subscriber) Start(ctx context.Context) error {
	vehicle, user := Subjects(s.prefix)
	for subject, origin := range map[string]model.OriginKind{vehicle: model.OriginVehicle, user: model.OriginUser} {
		origin := origin // per-iteration copy; go directive is 1.21 (pre-1.22 loopvar semantics)
		sub, err := s.nc.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
			hctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			_ = s.Handle(hctx, origin, msg.Subject, msg.Data)
		})
		if err != nil {
			s.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
		log.Printf("ingest subscribed subject=%s", subject)
	}
	return nil
}

func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("ingest drain %s: %v", sub.Subject, err)
		}
	}
	s.subs = nil
}

// Handle decodes one message and observes it. Undecodable or invalid
// readings are logged and dropped.
func (s *Subscriber) Handle(ctx context.Context, origin model.OriginKind, subject string, data []byte) error {
	r, err := Decode(origin, subject, data)
	if err != nil {
		s.drop("decode")
		log.Printf("ingest drop subject=%s: %v", subject, err)
		return err
	}
	_, err = s.obs.ObservePosition(ctx, r)
	switch {
	case errors.Is(err, geo.ErrInvalidCoordinate):
		s.drop("invalid")
		log.Printf("ingest drop subject=%s origin=%s: %v", subject, r.OriginID, err)
	case err != nil:
		s.drop("error")
		log.Printf("ingest observe error subject=%s origin=%s: %v", subject, r.OriginID, err)
	}
	return err
}

func (s *Subscriber) drop(reason string) {
	if s.metrics != nil {
		s.metrics.DroppedInc(reason)
	}
}

// Decode turns a message into a reading. The origin id falls back to the
// trip id and then to the last subject token.
func Decode(origin model.OriginKind, subject string, data []byte) (model.PositionReading, error) {
	var m PositionMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return model.PositionReading{}, fmt.Errorf("decode position: %w", err)
	}
	if m.Lat == nil || m.Lon == nil {
		return model.PositionReading{}, errors.New("decode position: lat and lon are required")
	}
	r := model.PositionReading{
		Origin:    origin,
		OriginID:  strings.TrimSpace(m.OriginID),
		Lat:       *m.Lat,
		Lon:       *m.Lon,
		RouteID:   strings.TrimSpace(m.RouteID),
		TripID:    strings.TrimSpace(m.TripID),
		Timestamp: m.Timestamp,
	}
	if r.OriginID == "" {
		r.OriginID = r.TripID
	}
	if r.OriginID == "" {
		if i := strings.LastIndexByte(subject, '.'); i >= 0 && i < len(subject)-1 {
			r.OriginID = subject[i+1:]
		}
	}
	if r.OriginID == "" {
		return model.PositionReading{}, errors.New("decode position: no origin id")
	}
	return r, nil
}
