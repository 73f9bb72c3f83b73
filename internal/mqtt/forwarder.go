package mqtt

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/AaronLay10/ScreeningEngine/internal/events"
)

// Publisher is the part of Client the forwarder needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Source is the event bus the forwarder drains.
type Source interface {
	Subscribe() events.Subscriber
	Unsubscribe(events.Subscriber)
}

// Forwarder republishes bus events on MQTT so bots and notifiers can react to
// transitions. Topics are <prefix>/<unit>/<event name with dots as slashes>,
// for example screening/mobile-3/episode/closed.
type Forwarder struct {
	pub    Publisher
	prefix string
	unit   string
	skip   map[string]bool
	log    zerolog.Logger
}

// NewForwarder returns a forwarder. Events named in skip are not forwarded.
func NewForwarder(pub Publisher, prefix, unit string, log zerolog.Logger, skip ...string) *Forwarder {
	f := &Forwarder{
		pub:    pub,
		prefix: strings.Trim(prefix, "/"),
		unit:   unit,
		skip:   make(map[string]bool, len(skip)),
		log:    log,
	}
	for _, name := range skip {
		f.skip[name] = true
	}
	return f
}

// Topic returns the MQTT topic for an event name.
func (f *Forwarder) Topic(name string) string {
	return f.prefix + "/" + f.unit + "/" + strings.ReplaceAll(name, ".", "/")
}

// Run forwards events until ctx is done or the source closes the
// subscription. Publish failures are logged and the event is dropped; the
// audit log remains the durable record.
func (f *Forwarder) Run(ctx context.Context, src Source) {
	sub := src.Subscribe()
	defer src.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			f.forward(ev)
		}
	}
}

func (f *Forwarder) forward(ev events.Event) {
	if f.skip[ev.Name] {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		f.log.Error().Err(err).Str("event", ev.Name).Msg("failed to encode event")
		return
	}
	topic := f.Topic(ev.Name)
	if err := f.pub.Publish(topic, payload); err != nil {
		f.log.Warn().Err(err).Str("topic", topic).Msg("failed to forward event")
		return
	}
	f.log.Debug().Str("topic", topic).Msg("event forwarded")
}
