package services

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/locker"
)

// ErrShuttingDown is returned for work submitted after Close
var ErrShuttingDown = errors.New("device actors shutting down")

const actorInboxSize = 32

type deviceJob func(ctx context.Context)

// deviceActor owns the inbox of one device
type deviceActor struct {
	deviceID string
	inbox    chan deviceJob
}

// ActorRegistry runs one goroutine per device so that every state-changing
// operation on a device executes one at a time. Devices are independent.
type ActorRegistry struct {
	actors map[string]*deviceActor
	mu     sync.Mutex

	locker locker.DeviceLocker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logrus.Entry
}

// NewActorRegistry creates an empty registry. lk may be nil.
func NewActorRegistry(lk locker.DeviceLocker, logger logrus.FieldLogger) *ActorRegistry {
	if lk == nil {
		lk = locker.NoopLocker{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ActorRegistry{
		actors: make(map[string]*deviceActor),
		locker: lk,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.WithField("component", "device_actors"),
	}
}

// getOrCreateActor returns the actor for a device, starting it on first use
func (r *ActorRegistry) getOrCreateActor(deviceID string) (*deviceActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}
	if actor, exists := r.actors[deviceID]; exists {
		return actor, nil
	}

	actor := &deviceActor{
		deviceID: deviceID,
		inbox:    make(chan deviceJob, actorInboxSize),
	}
	r.actors[deviceID] = actor

	r.wg.Add(1)
	go r.run(actor)

	r.logger.WithField("device_id", deviceID).Debug("Started device actor")
	return actor, nil
}

func (r *ActorRegistry) run(actor *deviceActor) {
	defer r.wg.Done()
	for {
		select {
		case job := <-actor.inbox:
			job(r.ctx)
		case <-r.ctx.Done():
			return
		}
	}
}

// Do runs fn on the device's actor while holding the device lock and waits
// for it. If ctx ends first Do returns ctx.Err(), but a job that was already
// queued still runs to completion: physical commands cannot be retracted.
func (r *ActorRegistry) Do(ctx context.Context, deviceID string, fn func(ctx context.Context) error) error {
	_, err := doOnActor(ctx, r, deviceID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// jobResult carries a job's outcome back to the caller. The job owns it
// until it is sent, so an abandoned caller never shares memory with the actor.
type jobResult[T any] struct {
	value T
	err   error
}

// doOnActor is Do for jobs that produce a value. When the caller stops
// waiting it gets the zero value; the late result is logged.
func doOnActor[T any](ctx context.Context, r *ActorRegistry, deviceID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	actor, err := r.getOrCreateActor(deviceID)
	if err != nil {
		return zero, err
	}

	done := make(chan jobResult[T], 1)
	job := func(actorCtx context.Context) {
		release, err := r.locker.Lock(actorCtx, deviceID)
		if err != nil {
			done <- jobResult[T]{err: err}
			return
		}
		defer release()
		value, err := fn(actorCtx)
		done <- jobResult[T]{value: value, err: err}
	}

	select {
	case actor.inbox <- job:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.ctx.Done():
		return zero, ErrShuttingDown
	}

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		logger := r.logger.WithField("device_id", deviceID)
		logger.Info("Caller stopped waiting, device operation continues")
		go func() {
			select {
			case res := <-done:
				if res.err != nil {
					logger.WithError(res.err).Warn("Abandoned device operation failed")
					return
				}
				logger.WithField("result", res.value).Info("Abandoned device operation completed")
			case <-r.ctx.Done():
			}
		}()
		return zero, ctx.Err()
	case <-r.ctx.Done():
		return zero, ErrShuttingDown
	}
}

// Len returns the number of running actors
func (r *ActorRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close stops all actors after their current job
func (r *ActorRegistry) Close() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}
