package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	v1 "deskwire/shared/contracts/realtime/v1"
)

// Dispatcher category names (logs and metrics).
const (
	catMessage       = "message"
	catStreamContent = "stream_content"
	catStreamEnd     = "stream_end"
	catPresence      = "presence"
	catProfile       = "profile_updated"
	catQueue         = "queue_updated"
	catError         = "error"
	catStatus        = "status"
)

// Unsubscribe removes a listener. Calling it more than once is harmless.
type Unsubscribe func()

// EventSource is the transport-level registration surface of a connection.
// A Dispatcher attaches exactly one handler per envelope type to it.
type EventSource interface {
	ClearListeners()
	AddListener(envType string, fn func(v1.Envelope))
}

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

type listenerList[T any] struct {
	items []listenerEntry[T]
}

func (l *listenerList[T]) add(id uint64, fn func(T)) {
	l.items = append(l.items, listenerEntry[T]{id: id, fn: fn})
}

func (l *listenerList[T]) remove(id uint64) {
	for i, it := range l.items {
		if it.id == id {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return
		}
	}
}

func (l *listenerList[T]) snapshot() []func(T) {
	out := make([]func(T), len(l.items))
	for i, it := range l.items {
		out[i] = it.fn
	}
	return out
}

// Dispatcher demultiplexes inbound protocol traffic into typed listener lists.
//
// It never returns errors across its boundary: malformed input is logged and
// dropped, and a panicking listener is recovered so the remaining listeners
// of the same category still run. Delivery order equals the order in which
// the transport hands envelopes over.
type Dispatcher struct {
	log     *slog.Logger
	signals *Signals
	metrics *Metrics

	mu       sync.Mutex
	nextID   uint64
	messages listenerList[Message]
	deltas   listenerList[StreamDelta]
	ends     listenerList[StreamEnd]
	presence listenerList[Presence]
	profiles listenerList[ProfileUpdate]
	queue    listenerList[json.RawMessage]
	errs     listenerList[error]
	status   listenerList[Status]
}

// NewDispatcher constructs a Dispatcher. signals and m may be nil.
func NewDispatcher(log *slog.Logger, signals *Signals, m *Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, signals: signals, metrics: m}
}

func subscribe[T any](d *Dispatcher, l *listenerList[T], fn func(T)) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	l.add(id, fn)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			l.remove(id)
			d.mu.Unlock()
		})
	}
}

func emit[T any](d *Dispatcher, category string, l *listenerList[T], v T) {
	d.mu.Lock()
	fns := l.snapshot()
	d.mu.Unlock()

	d.metrics.event(category)
	for _, fn := range fns {
		d.safeCall(category, func() { fn(v) })
	}
}

func (d *Dispatcher) safeCall(category string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.panicked()
			d.log.Error("dispatcher.listener.panic", "category", category, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (d *Dispatcher) OnMessage(fn func(Message)) Unsubscribe {
	return subscribe(d, &d.messages, fn)
}

func (d *Dispatcher) OnStreamContent(fn func(StreamDelta)) Unsubscribe {
	return subscribe(d, &d.deltas, fn)
}

func (d *Dispatcher) OnStreamEnd(fn func(StreamEnd)) Unsubscribe {
	return subscribe(d, &d.ends, fn)
}

func (d *Dispatcher) OnPresence(fn func(Presence)) Unsubscribe {
	return subscribe(d, &d.presence, fn)
}

func (d *Dispatcher) OnProfileUpdated(fn func(ProfileUpdate)) Unsubscribe {
	return subscribe(d, &d.profiles, fn)
}

// OnQueueUpdated registers a listener for queue invalidations. The payload is opaque.
func (d *Dispatcher) OnQueueUpdated(fn func(json.RawMessage)) Unsubscribe {
	return subscribe(d, &d.queue, fn)
}

// OnError registers a listener for session connection errors.
func (d *Dispatcher) OnError(fn func(error)) Unsubscribe {
	return subscribe(d, &d.errs, fn)
}

// OnStatus registers a listener for connection state transitions.
func (d *Dispatcher) OnStatus(fn func(Status)) Unsubscribe {
	return subscribe(d, &d.status, fn)
}

// Attach registers the dispatcher's transport handlers on src.
// Previous registrations on src are cleared first, so attaching any number
// of times leaves exactly one handler per envelope type.
func (d *Dispatcher) Attach(src EventSource) {
	src.ClearListeners()
	src.AddListener(v1.TypeMessageNew, d.handleMessageEnvelope)
	src.AddListener(v1.TypeEvent, d.handleEventEnvelope)
}

// Detach removes every transport handler from src.
func (d *Dispatcher) Detach(src EventSource) {
	src.ClearListeners()
}

func (d *Dispatcher) handleMessageEnvelope(env v1.Envelope) {
	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		d.metrics.drop("bad_message")
		d.log.Warn("dispatcher.message.parse", "envelope_id", env.ID, "err", err)
		return
	}
	d.HandleMessage(MessageFromWire(p))
}

func (d *Dispatcher) handleEventEnvelope(env v1.Envelope) {
	var p v1.EventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		d.metrics.drop("bad_event")
		d.log.Warn("dispatcher.event.parse", "envelope_id", env.ID, "err", err)
		return
	}
	d.HandleEvent(p)
}

// HandleMessage fans a received message out to message listeners.
func (d *Dispatcher) HandleMessage(m Message) {
	emit(d, catMessage, &d.messages, m)
}

// HandleEvent routes one custom event by its type.
func (d *Dispatcher) HandleEvent(ev v1.EventPayload) {
	switch ev.Type {
	case v1.EventStreamContent:
		d.handleStreamContent(ev)
	case v1.EventStreamEnd:
		d.handleStreamEnd(ev)
	case v1.EventVisitorOnline, v1.EventVisitorOffline:
		d.handlePresence(ev)
	case v1.EventProfileUpdated:
		d.handleProfile(ev)
	case v1.EventQueueUpdated:
		emit(d, catQueue, &d.queue, unwrapData(ev.Data))
	default:
		d.metrics.drop("unknown_event")
		d.log.Debug("dispatcher.event.unknown", "event_type", ev.Type, "event_id", ev.ID)
	}
}

func (d *Dispatcher) handleStreamContent(ev v1.EventPayload) {
	obj, text, err := parseEventData(ev.Data)
	if err != nil {
		d.dropParse(ev, err)
		return
	}
	clientMsgNo := ev.ID
	content := text
	if obj != nil {
		if clientMsgNo == "" {
			clientMsgNo = stringField(obj, "client_msg_no")
		}
		if c, ok := lookupString(obj, "content", "delta"); ok {
			content = c
		}
	}
	if clientMsgNo == "" {
		d.metrics.drop("stream_no_key")
		d.log.Warn("dispatcher.stream.drop", "event_type", ev.Type, "reason", "missing client_msg_no")
		return
	}

	delta := StreamDelta{ClientMsgNo: clientMsgNo, Content: content}
	emit(d, catStreamContent, &d.deltas, delta)
	d.signals.Publish(Signal{Name: SignalStreamUpdated, ClientMsgNo: clientMsgNo})
}

// A non-empty stream.end payload is the error text of a failed stream.
func (d *Dispatcher) handleStreamEnd(ev v1.EventPayload) {
	obj, text, err := parseEventData(ev.Data)
	if err != nil {
		d.dropParse(ev, err)
		return
	}
	clientMsgNo := ev.ID
	errText := strings.TrimSpace(text)
	if obj != nil {
		if clientMsgNo == "" {
			clientMsgNo = stringField(obj, "client_msg_no")
		}
		errText = firstString(obj, "error", "message")
		if errText == "" && len(obj) > 0 && !onlyKey(obj, "client_msg_no") {
			errText = strings.TrimSpace(string(unwrapData(ev.Data)))
		}
	}
	if clientMsgNo == "" {
		d.metrics.drop("stream_no_key")
		d.log.Warn("dispatcher.stream.drop", "event_type", ev.Type, "reason", "missing client_msg_no")
		return
	}
	emit(d, catStreamEnd, &d.ends, StreamEnd{ClientMsgNo: clientMsgNo, Error: errText})
}

func (d *Dispatcher) handlePresence(ev v1.EventPayload) {
	obj, _, err := parseEventData(ev.Data)
	if err != nil {
		d.dropParse(ev, err)
		return
	}

	visitorID := stringField(obj, "visitor_id")
	channelID := stringField(obj, "channel_id")
	if channelID == "" {
		channelID = visitorID
	}
	if channelID == "" {
		d.metrics.drop("presence_no_key")
		d.log.Warn("dispatcher.presence.drop", "event_type", ev.Type, "event_id", ev.ID, "reason", "missing channel_id and visitor_id")
		return
	}

	channelType := ChannelType(uint8Field(obj, "channel_type"))
	if channelType == 0 {
		channelType = ChannelTypeVisitor
	}
	ts := int64Field(obj, "timestamp")
	if ts == 0 {
		ts = ev.Timestamp
	}

	emit(d, catPresence, &d.presence, Presence{
		VisitorID:   visitorID,
		ChannelID:   channelID,
		ChannelType: channelType,
		Online:      ev.Type == v1.EventVisitorOnline,
		Timestamp:   ts,
		EventType:   ev.Type,
	})
}

func (d *Dispatcher) handleProfile(ev v1.EventPayload) {
	obj, _, err := parseEventData(ev.Data)
	if err != nil {
		d.dropParse(ev, err)
		return
	}

	visitorID := stringField(obj, "visitor_id")
	channelID := stringField(obj, "channel_id")
	if channelID == "" {
		channelID = visitorID
	}
	channelType := ChannelType(uint8Field(obj, "channel_type"))
	if channelType == 0 && visitorID != "" {
		channelType = ChannelTypeVisitor
	}
	if channelID == "" || channelType == 0 {
		d.metrics.drop("profile_no_key")
		d.log.Warn("dispatcher.profile.drop", "event_id", ev.ID, "reason", "unresolvable channel")
		return
	}

	emit(d, catProfile, &d.profiles, ProfileUpdate{
		VisitorID:   visitorID,
		ChannelID:   channelID,
		ChannelType: channelType,
	})
}

func (d *Dispatcher) dropParse(ev v1.EventPayload, err error) {
	d.metrics.drop("bad_event_data")
	d.log.Warn("dispatcher.event.parse", "event_type", ev.Type, "event_id", ev.ID, "err", err)
}

func (d *Dispatcher) emitError(err error) {
	emit(d, catError, &d.errs, err)
}

func (d *Dispatcher) emitStatus(st Status) {
	emit(d, catStatus, &d.status, st)
}

// parseEventData accepts event data as a JSON object, a JSON string holding
// a JSON object, or a JSON string holding plain text.
// text holds the decoded string for string data (even when it also parsed
// as an object); both are empty for null data.
func parseEventData(raw json.RawMessage) (obj map[string]json.RawMessage, text string, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, "", nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, "", err
		}
		inner := strings.TrimSpace(s)
		if strings.HasPrefix(inner, "{") {
			var m map[string]json.RawMessage
			if json.Unmarshal([]byte(inner), &m) == nil {
				return m, s, nil
			}
		}
		return nil, s, nil
	case '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, "", err
		}
		return m, "", nil
	default:
		if !json.Valid(raw) {
			return nil, "", fmt.Errorf("invalid event data")
		}
		return nil, string(raw), nil
	}
}

// unwrapData returns the inner JSON of string-encoded event data, or raw as is.
func unwrapData(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return raw
}

func stringField(obj map[string]json.RawMessage, key string) string {
	v, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if json.Unmarshal(v, &n) == nil {
		return n.String()
	}
	return ""
}

func firstString(obj map[string]json.RawMessage, keys ...string) string {
	s, _ := lookupString(obj, keys...)
	return s
}

func lookupString(obj map[string]json.RawMessage, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			return s, true
		}
	}
	return "", false
}

func onlyKey(obj map[string]json.RawMessage, key string) bool {
	_, ok := obj[key]
	return ok && len(obj) == 1
}

func uint8Field(obj map[string]json.RawMessage, key string) uint8 {
	s := stringField(obj, key)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0
	}
	return uint8(n)
}

func int64Field(obj map[string]json.RawMessage, key string) int64 {
	s := stringField(obj, key)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
