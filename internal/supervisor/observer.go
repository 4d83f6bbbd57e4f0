package supervisor

import (
	"github.com/sirupsen/logrus"

	"github.com/chaz8081/blethermo/internal/session"
	"github.com/chaz8081/blethermo/internal/telemetry"
)

// Observer receives session reports. Callbacks run on the supervisor loop,
// in order; they must not block and must not call RequestRead
// synchronously.
type Observer interface {
	OnStatusChanged(state session.State)
	OnTemperature(reading telemetry.Reading)
	OnError(kind session.ErrorKind, err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Status      func(session.State)
	Temperature func(telemetry.Reading)
	Error       func(session.ErrorKind, error)
}

func (f ObserverFuncs) OnStatusChanged(state session.State) {
	if f.Status != nil {
		f.Status(state)
	}
}

func (f ObserverFuncs) OnTemperature(reading telemetry.Reading) {
	if f.Temperature != nil {
		f.Temperature(reading)
	}
}

func (f ObserverFuncs) OnError(kind session.ErrorKind, err error) {
	if f.Error != nil {
		f.Error(kind, err)
	}
}

// LogObserver writes every report to a logrus logger.
type LogObserver struct {
	Logger *logrus.Logger
}

func (o LogObserver) OnStatusChanged(state session.State) {
	o.Logger.WithField("state", state).Info("Session state changed")
}

func (o LogObserver) OnTemperature(r telemetry.Reading) {
	o.Logger.WithFields(logrus.Fields{
		"celsius": r.Celsius,
		"device":  r.Device.Address,
	}).Info("Temperature read")
}

func (o LogObserver) OnError(kind session.ErrorKind, err error) {
	entry := o.Logger.WithField("kind", kind).WithError(err)
	if kind.Fatal() {
		entry.Error("Session error, waiting for user action")
		return
	}
	entry.Warn("Session error")
}

var (
	_ Observer = ObserverFuncs{}
	_ Observer = LogObserver{}
)
