package multiplex

import (
	"errors"

	"github.com/golang/glog"
)

var errMessageDropped = errors.New("Message dropped by rule.")

type QueueRuleFunction = func(session *Session, client *Client, message *Message) *Message
type AppRuleFunction = func(session *Session, message *Message) *Message
type ClientRuleFunction = func(session *Session, client *Client, message *Message) *Message

// per-payload-type policy
// a nil hook is identity. A hook may rewrite the message or drop it by
// returning nil.
type Rule struct {
	BeforeQueueForClient    QueueRuleFunction
	BeforeReceiveFromApp    AppRuleFunction
	BeforeReceiveFromClient ClientRuleFunction
}

func (self *Rule) beforeQueueForClient(session *Session, client *Client, message *Message) *Message {
	if self.BeforeQueueForClient == nil {
		return message
	}
	return self.BeforeQueueForClient(session, client, message)
}

func (self *Rule) beforeReceiveFromApp(session *Session, message *Message) *Message {
	if self.BeforeReceiveFromApp == nil {
		return message
	}
	return self.BeforeReceiveFromApp(session, message)
}

func (self *Rule) beforeReceiveFromClient(session *Session, client *Client, message *Message) *Message {
	if self.BeforeReceiveFromClient == nil {
		return message
	}
	return self.BeforeReceiveFromClient(session, client, message)
}

type Rules struct {
	rules   map[string]*Rule
	missing *Rule
}

func NewRules() *Rules {
	return &Rules{
		rules: map[string]*Rule{},
		missing: &Rule{
			BeforeQueueForClient: func(session *Session, client *Client, message *Message) *Message {
				glog.Warningf("[rules]no rule for payload type %q\n", message.PayloadType())
				return message
			},
			BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
				glog.Warningf("[rules]no rule for payload type %q\n", message.PayloadType())
				return message
			},
			BeforeReceiveFromClient: func(session *Session, client *Client, message *Message) *Message {
				glog.Warningf("[rules]no rule for payload type %q\n", message.PayloadType())
				return message
			},
		},
	}
}

func (self *Rules) Set(payloadType string, rule *Rule) {
	self.rules[payloadType] = rule
}

func (self *Rules) Get(payloadType string) *Rule {
	if rule, ok := self.rules[payloadType]; ok {
		return rule
	}
	return self.missing
}

// state-bearing traffic from a peer only counts when the peer is the elected
// authority
func authoritativeOnly(next ClientRuleFunction) ClientRuleFunction {
	return func(session *Session, client *Client, message *Message) *Message {
		if session.PeerAuthoritative() && !client.Authoritative() {
			glog.V(2).Infof("[rules]drop %s from non-authoritative client %s\n", message.PayloadType(), client.ClientId())
			return nil
		}
		if next == nil {
			return message
		}
		return next(session, client, message)
	}
}

// actors exclusive to another user never reach this client
func exclusiveActorQueueFilter(session *Session, client *Client, message *Message) *Message {
	exclusiveToUser := ""
	if actor := message.Payload.Map("actor"); actor != nil {
		actorId, _ := actor["id"].(string)
		if syncActor := session.Cache().Actor(actorId); syncActor != nil {
			exclusiveToUser = syncActor.ExclusiveToUser
		} else {
			exclusiveToUser, _ = actor["exclusiveToUser"].(string)
		}
	} else if actorId := message.Payload.String("actorId"); actorId != "" {
		if syncActor := session.Cache().Actor(actorId); syncActor != nil {
			exclusiveToUser = syncActor.ExclusiveToUser
		}
	}

	if exclusiveToUser != "" && exclusiveToUser != client.UserId() {
		return nil
	}
	return message
}

func dropOnQueue(session *Session, client *Client, message *Message) *Message {
	return nil
}

// DefaultRules is the routing and caching policy for the known payload types.
// cache mutation happens here, before the message is forwarded.
func DefaultRules() *Rules {
	rules := NewRules()

	initializeActor := &Rule{
		BeforeQueueForClient: exclusiveActorQueueFilter,
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			session.Cache().InitializeActor(message)
			return message
		},
	}
	for _, payloadType := range []string{
		PayloadTypeCreateActor,
		PayloadTypeCreateEmptyActor,
		PayloadTypeCreateFromLibrary,
		PayloadTypeReserveActor,
	} {
		rules.Set(payloadType, initializeActor)
	}

	rules.Set(PayloadTypeActorUpdate, &Rule{
		BeforeQueueForClient: exclusiveActorQueueFilter,
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			session.Cache().UpdateActor(message)
			return message
		},
		BeforeReceiveFromClient: authoritativeOnly(func(session *Session, client *Client, message *Message) *Message {
			session.Cache().UpdateActor(message)
			return message
		}),
	})

	// corrections come from whichever client is manipulating the actor.
	// they are echoed to the other clients directly and forwarded upstream.
	rules.Set(PayloadTypeActorCorrection, &Rule{
		BeforeQueueForClient: exclusiveActorQueueFilter,
		BeforeReceiveFromClient: func(session *Session, client *Client, message *Message) *Message {
			session.Cache().UpdateActor(message)
			session.SendToClients(message, func(other *Client) bool {
				return other.ClientId() != client.ClientId()
			})
			return message
		},
	})

	rules.Set(PayloadTypeDestroyActors, &Rule{
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			actorIds := []string{}
			for _, id := range message.Payload.List("actorIds") {
				if actorId, ok := id.(string); ok {
					actorIds = append(actorIds, actorId)
				}
			}
			session.Cache().DestroyActors(actorIds)
			return message
		},
	})

	rules.Set(PayloadTypeSetBehavior, &Rule{
		BeforeQueueForClient: exclusiveActorQueueFilter,
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			session.Cache().SetBehavior(message)
			return message
		},
	})

	rules.Set(PayloadTypeCreateAnimation, &Rule{
		BeforeQueueForClient: exclusiveActorQueueFilter,
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			session.Cache().CreateAnimation(message)
			return message
		},
	})

	rules.Set(PayloadTypeInterpolateActor, &Rule{
		BeforeQueueForClient: exclusiveActorQueueFilter,
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			session.Cache().InterpolateActor(message)
			return message
		},
	})

	rules.Set(PayloadTypeSetMediaState, &Rule{
		BeforeQueueForClient: exclusiveActorQueueFilter,
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			session.Cache().SetMediaState(message)
			return message
		},
	})

	assetCreator := &Rule{
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			session.Cache().AddAssetCreator(message)
			return message
		},
	}
	rules.Set(PayloadTypeCreateAsset, assetCreator)
	rules.Set(PayloadTypeLoadAssets, assetCreator)

	rules.Set(PayloadTypeAssetsLoaded, &Rule{
		BeforeReceiveFromClient: authoritativeOnly(func(session *Session, client *Client, message *Message) *Message {
			if message.ReplyToId != nil {
				session.Cache().AssetsLoaded(*message.ReplyToId, message.Payload.List("assets"))
			}
			return message
		}),
	})

	rules.Set(PayloadTypeAssetUpdate, &Rule{
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			session.Cache().UpdateAsset(message)
			return message
		},
		BeforeReceiveFromClient: authoritativeOnly(func(session *Session, client *Client, message *Message) *Message {
			session.Cache().UpdateAsset(message)
			return message
		}),
	})

	rules.Set(PayloadTypeUnloadAssets, &Rule{
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			session.Cache().UnloadAssets(message.Payload.String("containerId"))
			return message
		},
	})

	rules.Set(PayloadTypeUserJoined, &Rule{
		BeforeReceiveFromClient: func(session *Session, client *Client, message *Message) *Message {
			session.Cache().UserJoined(message)
			if user := message.Payload.Map("user"); user != nil {
				if userId, ok := user["id"].(string); ok {
					client.setUserId(userId)
				}
			}
			return message
		},
	})

	rules.Set(PayloadTypeUserUpdate, &Rule{
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			session.Cache().UpdateUser(message)
			return message
		},
		BeforeReceiveFromClient: func(session *Session, client *Client, message *Message) *Message {
			session.Cache().UpdateUser(message)
			return message
		},
	})

	rules.Set(PayloadTypeUserLeft, &Rule{
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			if user := message.Payload.Map("user"); user != nil {
				if userId, ok := user["id"].(string); ok {
					session.Cache().UserLeft(userId)
				}
			}
			return message
		},
	})

	operationResult := &Rule{
		BeforeReceiveFromClient: authoritativeOnly(func(session *Session, client *Client, message *Message) *Message {
			glog.V(2).Infof("[rules]%s from %s\n", message.PayloadType(), client.ClientId())
			return message
		}),
	}
	rules.Set(PayloadTypeOperationResult, operationResult)
	rules.Set(PayloadTypeMultiOperationResult, operationResult)

	// log transport, not simulation state
	rules.Set(PayloadTypeTraces, &Rule{
		BeforeReceiveFromClient: func(session *Session, client *Client, message *Message) *Message {
			for _, trace := range message.Payload.List("traces") {
				glog.V(1).Infof("[trace]%s %v\n", client.ClientId(), trace)
			}
			return nil
		},
	})

	// phase and keepalive payloads are local to their protocol: never queued
	// for a joining client, and strays never forwarded across the session
	phaseLocal := &Rule{
		BeforeQueueForClient: dropOnQueue,
		BeforeReceiveFromApp: func(session *Session, message *Message) *Message {
			return nil
		},
		BeforeReceiveFromClient: func(session *Session, client *Client, message *Message) *Message {
			return nil
		},
	}
	for _, payloadType := range []string{
		PayloadTypeHandshake,
		PayloadTypeHandshakeReply,
		PayloadTypeHandshakeComplete,
		PayloadTypeSyncComplete,
		PayloadTypeHeartbeat,
		PayloadTypeHeartbeatReply,
	} {
		rules.Set(payloadType, phaseLocal)
	}

	return rules
}
