package domain

import (
	"errors"

	"github.com/asynkron/protoactor-go/actor"
)

const (
	ACTOR_ID_MASTER       = "master"
	ACTOR_ID_MQTT         = "mqtt"
	ACTOR_ID_HA_DISCOVERY = "hadiscovery"
	ACTOR_ID_DEVICE       = "device"
)

var ErrUnknownDevice = errors.New("unknown device")

type ActorRef actor.PID

type ActorRequestMixIn struct {
	ReplyToRef *ActorRef
}

type ActorRequest interface {
	ReplyTo() *ActorRef
}

func (r ActorRequestMixIn) ReplyTo() *ActorRef {
	return r.ReplyToRef
}

type ActorResponseMixIn struct {
	ResponseError error
}

func (r ActorResponseMixIn) GetResponseError() error {
	return r.ResponseError
}

func (r ActorResponseMixIn) HasResponseError() bool {
	return r.ResponseError != nil
}

type ActorResponse interface {
	GetResponseError() error
	HasResponseError() bool
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}

// MQTT

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type PublishSensorUpdateRequest struct {
	ActorRequestMixIn
	Retain bool
	Event  SensorUpdateEvent
}

type PublishSensorUpdateResponse struct {
	ActorResponseMixIn
}

// PublishReadingRequest publishes the JSON document of a whole device poll.
type PublishReadingRequest struct {
	ActorRequestMixIn
	Reading DeviceReading
}

type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors []GenericSensor
}

type PublishDiscoveryResponse struct {
	ActorResponseMixIn
}

// Device polling

// DeviceReadingsUpdated is sent by a device poller to its parent after every poll.
type DeviceReadingsUpdated struct {
	Reading DeviceReading
}

type GetReadingsRequest struct {
	ActorRequestMixIn
	// Device filters by device name; empty returns every device
	Device string
}

type GetReadingsResponse struct {
	ActorResponseMixIn
	Readings []DeviceReading
}

type PollNowRequest struct {
	ActorRequestMixIn
	Device string
}

type PollNowResponse struct {
	ActorResponseMixIn
	Reading DeviceReading
}
