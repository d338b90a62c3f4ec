package multiplex

import (
	"encoding/json"
)

// payload types with cache or routing behavior
// see `DefaultRules`
const (
	PayloadTypeHandshake         = "handshake"
	PayloadTypeHandshakeReply    = "handshake-reply"
	PayloadTypeHandshakeComplete = "handshake-complete"
	PayloadTypeSyncComplete      = "sync-complete"
	PayloadTypeHeartbeat         = "heartbeat"
	PayloadTypeHeartbeatReply    = "heartbeat-reply"

	PayloadTypeCreateActor       = "create-actor"
	PayloadTypeCreateEmptyActor  = "create-empty"
	PayloadTypeCreateFromLibrary = "create-from-library"
	PayloadTypeReserveActor      = "x-reserve-actor"
	PayloadTypeActorUpdate       = "actor-update"
	PayloadTypeActorCorrection   = "actor-correction"
	PayloadTypeDestroyActors     = "destroy-actors"
	PayloadTypeSetBehavior       = "set-behavior"
	PayloadTypeInterpolateActor  = "interpolate-actor"

	PayloadTypeCreateAsset  = "create-asset"
	PayloadTypeLoadAssets   = "load-assets"
	PayloadTypeAssetsLoaded = "assets-loaded"
	PayloadTypeAssetUpdate  = "asset-update"
	PayloadTypeUnloadAssets = "unload-assets"

	PayloadTypeCreateAnimation = "create-animation"
	PayloadTypeSetMediaState   = "set-media-state"

	PayloadTypeUserJoined = "user-joined"
	PayloadTypeUserUpdate = "user-update"
	PayloadTypeUserLeft   = "user-left"

	PayloadTypeOperationResult      = "operation-result"
	PayloadTypeMultiOperationResult = "multi-operation-result"
	PayloadTypeTraces               = "traces"
)

// a schemaless payload document
// the only key the core requires is `type`
type Payload map[string]any

func (self Payload) Type() string {
	payloadType, _ := self["type"].(string)
	return payloadType
}

func (self Payload) String(key string) string {
	value, _ := self[key].(string)
	return value
}

func (self Payload) Map(key string) map[string]any {
	value, _ := self[key].(map[string]any)
	return value
}

func (self Payload) List(key string) []any {
	value, _ := self[key].([]any)
	return value
}

// the message envelope
// `Id` is assigned on send if missing
// a message with `ReplyToId` is a reply; every other message is a request
type Message struct {
	Id        Id      `json:"id"`
	ReplyToId *Id     `json:"replyToId,omitempty"`
	Payload   Payload `json:"payload"`
}

func NewMessage(payload Payload) *Message {
	return &Message{
		Payload: payload,
	}
}

func NewReply(replyToId Id, payload Payload) *Message {
	return &Message{
		ReplyToId: &replyToId,
		Payload:   payload,
	}
}

func (self *Message) IsReply() bool {
	return self.ReplyToId != nil
}

func (self *Message) PayloadType() string {
	return self.Payload.Type()
}

// per-client rewrites must not cross-contaminate the fan-out
func (self *Message) ShallowClone() *Message {
	clone := &Message{
		Id:      self.Id,
		Payload: self.Payload,
	}
	if self.ReplyToId != nil {
		replyToId := *self.ReplyToId
		clone.ReplyToId = &replyToId
	}
	return clone
}

func (self *Message) DeepClone() *Message {
	clone := self.ShallowClone()
	clone.Payload = Payload(copyMap(self.Payload))
	return clone
}

func EncodeMessage(message *Message) ([]byte, error) {
	return json.Marshal(message)
}

func DecodeMessage(messageBytes []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, err
	}
	return message, nil
}
