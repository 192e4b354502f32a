package saver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Action is an external request handled between ticks.
type Action int

const (
	ActionEnter Action = iota + 1
	ActionExit
)

func (a Action) String() string {
	switch a {
	case ActionEnter:
		return "enter"
	case ActionExit:
		return "exit"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ErrUnknownAction is returned for an Action the controller does not know.
var ErrUnknownAction = errors.New("unknown action")

// Sensor produces a battery reading. A reading it cannot take is reported
// with LevelKnown false, not as an error.
type Sensor interface {
	Read(ctx context.Context) Reading
}

type request struct {
	ctx    context.Context
	action Action
	done   chan error
}

// Loop drives a Controller: it reads the sensor, ticks, and sleeps for the
// interval the controller asks for. Requests and wake events interrupt the
// sleep. All controller calls happen on the goroutine running Run, so passes
// never overlap.
type Loop struct {
	ctrl     *Controller
	sensor   Sensor
	wake     <-chan struct{}
	requests chan request
	log      *slog.Logger
}

// NewLoop creates a loop. wake may be nil.
func NewLoop(ctrl *Controller, sensor Sensor, wake <-chan struct{}, logger *slog.Logger) *Loop {
	return &Loop{
		ctrl:     ctrl,
		sensor:   sensor,
		wake:     wake,
		requests: make(chan request, 4),
		log:      logger,
	}
}

// Submit queues a for the loop and waits for the controller's answer. A
// request whose ctx is done before the loop reaches it is dropped.
func (l *Loop) Submit(ctx context.Context, a Action) error {
	req := request{ctx: ctx, action: a, done: make(chan error, 1)}
	select {
	case l.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run ticks until ctx is cancelled, then resumes every suspended process and
// restores the screen before returning.
func (l *Loop) Run(ctx context.Context) error {
	defer l.ctrl.Shutdown()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("poll loop stopping")
			return nil
		case <-timer.C:
			timer.Reset(l.tick(ctx))
		case <-l.wake:
			l.log.Debug("woke from sleep, polling now")
			timer.Reset(l.tick(ctx))
		case req := <-l.requests:
			if err := req.ctx.Err(); err != nil {
				l.log.Info("request abandoned by caller", "action", req.action, "err", err)
				req.done <- err
				continue
			}
			err := l.ctrl.Handle(ctx, req.action)
			if err != nil {
				l.log.Info("request rejected", "action", req.action, "err", err)
			}
			req.done <- err
		}
	}
}

func (l *Loop) tick(ctx context.Context) time.Duration {
	r := l.sensor.Read(ctx)
	next := l.ctrl.Tick(ctx, r)
	l.log.Debug("tick",
		"level", r.Level,
		"level_known", r.LevelKnown,
		"charging", r.Charging,
		"mode", l.ctrl.Mode(),
		"next", next)
	return next
}
