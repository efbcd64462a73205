package services

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"iot-counter-backend/internal/errs"
	"iot-counter-backend/internal/models"
	"iot-counter-backend/internal/protocol"
)

// memStore is an in-memory DeviceStore, BatchStore and ResetLog
type memStore struct {
	mu      sync.Mutex
	devices map[string]models.Device
	pilots  map[string]models.PilotStatus
	batches []models.Batch
	resets  []models.ResetLogEntry
}

func newMemStore() *memStore {
	return &memStore{
		devices: make(map[string]models.Device),
		pilots:  make(map[string]models.PilotStatus),
	}
}

func (m *memStore) addDevice(id string, ch models.Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[id] = models.Device{DeviceID: id, Channel: ch}
}

func (m *memStore) GetDevice(_ context.Context, id string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, errs.NotFound("device", id)
	}
	return &d, nil
}

func (m *memStore) ListDevices(context.Context) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *memStore) SaveDevice(_ context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.DeviceID] = *d
	return nil
}

func (m *memStore) GetPilot(_ context.Context, id string) (*models.PilotStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pilots[id]
	if !ok {
		return nil, errs.NotFound("pilot status", id)
	}
	return &p, nil
}

func (m *memStore) ListPilots(context.Context) ([]models.PilotStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PilotStatus, 0, len(m.pilots))
	for _, p := range m.pilots {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *memStore) SavePilot(_ context.Context, p *models.PilotStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pilots[p.DeviceID] = *p
	return nil
}

func (m *memStore) ActiveBatch(_ context.Context, deviceID string) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.batches) - 1; i >= 0; i-- {
		if m.batches[i].DeviceID == deviceID && m.batches[i].Active {
			b := m.batches[i]
			return &b, nil
		}
	}
	return nil, errs.NotFound("active batch for device", deviceID)
}

func (m *memStore) GetBatch(_ context.Context, id string) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.batches {
		if b.ID == id {
			return &b, nil
		}
	}
	return nil, errs.NotFound("batch", id)
}

func (m *memStore) ListBatches(_ context.Context, deviceID string, limit int) ([]models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Batch
	for i := len(m.batches) - 1; i >= 0; i-- {
		if m.batches[i].DeviceID == deviceID {
			out = append(out, m.batches[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListUnconfirmedStarts(context.Context) ([]models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Batch
	for _, b := range m.batches {
		if b.ResetRequested && !b.StartConfirmed {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) CreateActive(_ context.Context, batch *models.Batch) ([]models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var superseded []models.Batch
	for i := range m.batches {
		if m.batches[i].DeviceID == batch.DeviceID && m.batches[i].Active {
			m.batches[i].Active = false
			superseded = append(superseded, m.batches[i])
		}
	}
	m.batches = append(m.batches, *batch)
	return superseded, nil
}

func (m *memStore) SaveBatch(_ context.Context, batch *models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.batches {
		if m.batches[i].ID == batch.ID {
			m.batches[i] = *batch
			return nil
		}
	}
	return errs.NotFound("batch", batch.ID)
}

func (m *memStore) activeCount(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		if b.DeviceID == deviceID && b.Active {
			n++
		}
	}
	return n
}

func (m *memStore) RecordReset(_ context.Context, e *models.ResetLogEntry) (uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uint(len(m.resets) + 1)
	m.resets = append(m.resets, *e)
	return e.ID, nil
}

func (m *memStore) MarkResetSuccessful(_ context.Context, id uint, conf models.Confirmation, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 || int(id) > len(m.resets) {
		return errs.NotFound("reset log entry", strconv.Itoa(int(id)))
	}
	e := &m.resets[id-1]
	if e.Success {
		return nil
	}
	e.Success = true
	e.Confirmation = conf
	e.ConfirmedAt = &at
	return nil
}

func (m *memStore) AppendResetNote(_ context.Context, id uint, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 || int(id) > len(m.resets) {
		return errs.NotFound("reset log entry", strconv.Itoa(int(id)))
	}
	e := &m.resets[id-1]
	if e.Notes == "" {
		e.Notes = note
	} else {
		e.Notes += "\n" + note
	}
	return nil
}

func (m *memStore) GetReset(_ context.Context, id uint) (*models.ResetLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 || int(id) > len(m.resets) {
		return nil, errs.NotFound("reset log entry", strconv.Itoa(int(id)))
	}
	e := m.resets[id-1]
	return &e, nil
}

func (m *memStore) LatestSuccessfulReset(_ context.Context, deviceID string) (*models.ResetLogEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.resets) - 1; i >= 0; i-- {
		if m.resets[i].DeviceID == deviceID && m.resets[i].Success {
			e := m.resets[i]
			return &e, true, nil
		}
	}
	return nil, false, nil
}

func (m *memStore) SuccessfulResetsBetween(_ context.Context, deviceID string, from, to time.Time) ([]models.ResetLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ResetLogEntry
	for _, e := range m.resets {
		if e.DeviceID == deviceID && e.Success && !e.IssuedAt.Before(from) && e.IssuedAt.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) ListResets(_ context.Context, deviceID string, limit int) ([]models.ResetLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ResetLogEntry
	for i := len(m.resets) - 1; i >= 0; i-- {
		if m.resets[i].DeviceID == deviceID {
			out = append(out, m.resets[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) resetEntries() []models.ResetLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ResetLogEntry(nil), m.resets...)
}

// memTelemetry holds readings per device in timestamp order
type memTelemetry struct {
	mu       sync.Mutex
	readings map[string][]models.CounterReading
}

func newMemTelemetry() *memTelemetry {
	return &memTelemetry{readings: make(map[string][]models.CounterReading)}
}

func (t *memTelemetry) add(deviceID string, at time.Time, ch models.Channel, v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := models.CounterReading{DeviceID: deviceID, Timestamp: at}
	switch ch {
	case models.Channel1:
		r.Counter1 = models.Uint64(v)
	case models.Channel2:
		r.Counter2 = models.Uint64(v)
	case models.Channel3:
		r.Counter3 = models.Uint64(v)
	case models.Channel4:
		r.Counter4 = models.Uint64(v)
	}
	list := append(t.readings[deviceID], r)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	t.readings[deviceID] = list
}

func (t *memTelemetry) LatestReading(_ context.Context, deviceID string) (*models.CounterReading, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.readings[deviceID]
	if len(list) == 0 {
		return nil, false, nil
	}
	r := list[len(list)-1]
	return &r, true, nil
}

func (t *memTelemetry) LatestReadingBefore(_ context.Context, deviceID string, at time.Time) (*models.CounterReading, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.readings[deviceID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Timestamp.Before(at) {
			r := list[i]
			return &r, true, nil
		}
	}
	return nil, false, nil
}

func (t *memTelemetry) ReadingsInRange(_ context.Context, deviceID string, from, to time.Time) ([]models.CounterReading, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.CounterReading
	for _, r := range t.readings[deviceID] {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakePublisher records publishes; onPublish runs inside PublishReset
type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	err       error
	published []models.Channel
	onPublish func(deviceID string, ch models.Channel)
}

func (p *fakePublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePublisher) PublishReset(_ context.Context, deviceID string, ch models.Channel) error {
	p.mu.Lock()
	err := p.err
	hook := p.onPublish
	if err == nil {
		p.published = append(p.published, ch)
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(deviceID, ch)
	}
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// chanAwaiter hands out one buffered channel per Await
type chanAwaiter struct {
	mu      sync.Mutex
	waiters []chan protocol.Response
}

func (a *chanAwaiter) Await(string, models.Channel) (<-chan protocol.Response, func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan protocol.Response, 1)
	a.waiters = append(a.waiters, ch)
	return ch, func() {}
}

func (a *chanAwaiter) respond(resp protocol.Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.waiters) == 0 {
		return
	}
	a.waiters[0] <- resp
	a.waiters = a.waiters[1:]
}

// fixedClock returns a settable time
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func nullLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

// harness wires real services over the fakes
type harness struct {
	store     *memStore
	telemetry *memTelemetry
	publisher *fakePublisher
	clock     *fixedClock
	actors    *ActorRegistry
	resets    *ResetService
	batches   *BatchManager
	ids       int
	idMu      sync.Mutex
}

func newHarness() *harness {
	logger := nullLogger()
	h := &harness{
		store:     newMemStore(),
		telemetry: newMemTelemetry(),
		publisher: &fakePublisher{connected: true},
		clock:     &fixedClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)},
	}
	h.actors = NewActorRegistry(nil, logger)
	h.resets = NewResetService(h.store, h.store, h.telemetry, h.publisher, nil, ResetServiceConfig{}, nil, logger)
	h.resets.now = h.clock.Now
	h.batches = NewBatchManager(h.store, h.store, h.store, h.telemetry, h.resets, h.actors, nil, logger)
	h.batches.now = h.clock.Now
	h.batches.newID = func() string {
		h.idMu.Lock()
		defer h.idMu.Unlock()
		h.ids++
		return "batch-" + strconv.Itoa(h.ids)
	}
	return h
}

func (h *harness) close() {
	h.actors.Close()
}

func hasNote(notes, fragment string) bool {
	return strings.Contains(notes, fragment)
}
