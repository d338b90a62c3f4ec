package multiplex

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

// merged live state for one actor
// `Initialization.Payload["actor"]` is the merged actor document and its
// `parentId` defines the actor tree
type SyncActor struct {
	ActorId              string
	Initialization       *Message
	CreatedAnimations    []*Message
	ActiveMediaInstances []*Message
	ActiveInterpolations []*Message
	BehaviorMessage      *Message
	GrabbedBy            string
	ExclusiveToUser      string
}

func (self *SyncActor) actor() map[string]any {
	if self.Initialization == nil {
		return nil
	}
	return self.Initialization.Payload.Map("actor")
}

func (self *SyncActor) ParentId() string {
	actor := self.actor()
	if actor == nil {
		return ""
	}
	parentId, _ := actor["parentId"].(string)
	return parentId
}

type SyncAsset struct {
	Id               string
	Duration         float64
	CreatorMessageId Id
	Update           *Message
}

// the in-memory merged world state kept by the session so newly joining
// clients can be caught up without app round-trips
type SyncCache struct {
	stateLock sync.Mutex

	actors     map[string]*SyncActor
	actorOrder []string

	assets     map[string]*SyncAsset
	assetOrder []string

	// the `load-assets` or `create-asset` message that spawned one or more assets
	assetCreators map[Id]*Message
	creatorOrder  []Id

	// `user-joined` messages keyed by user id
	users     map[string]*Message
	userOrder []string
}

func NewSyncCache() *SyncCache {
	return &SyncCache{
		actors:        map[string]*SyncActor{},
		assets:        map[string]*SyncAsset{},
		assetCreators: map[Id]*Message{},
		users:         map[string]*Message{},
	}
}

// actors

// caches an initialize-actor message (`create-actor` and variants, or `x-reserve-actor`)
// if the actor exists as a reserved placeholder, the reserved actor state overlays the
// incoming actor state and the merged message becomes the initialization
func (self *SyncCache) InitializeActor(message *Message) {
	actor := message.Payload.Map("actor")
	if actor == nil {
		glog.Errorf("[cache]initialize with no actor payload type=%s\n", message.PayloadType())
		return
	}
	actorId, _ := actor["id"].(string)
	if actorId == "" {
		glog.Errorf("[cache]initialize with no actor id type=%s\n", message.PayloadType())
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if syncActor, ok := self.actors[actorId]; ok {
		if syncActor.Initialization.PayloadType() != PayloadTypeReserveActor {
			glog.Errorf("[cache]duplicate initialize actor=%s\n", actorId)
			return
		}
		// overlay the incoming actor state with the cached reserved state so
		// session-side bookkeeping that arrived before the real init survives
		reserved := syncActor.actor()
		merged := DeepMerge(copyMap(actor), reserved)
		initialization := message.ShallowClone()
		initialization.Payload = Payload(copyMap(message.Payload))
		initialization.Payload["actor"] = merged
		syncActor.Initialization = initialization
		return
	}

	syncActor := &SyncActor{
		ActorId:        actorId,
		Initialization: message,
	}

	// `exclusiveToUser` is inherited from the parent at insert time
	// and never later rewritten
	parentId, _ := actor["parentId"].(string)
	if parent, ok := self.actors[parentId]; ok && parent.ExclusiveToUser != "" {
		syncActor.ExclusiveToUser = parent.ExclusiveToUser
	} else {
		syncActor.ExclusiveToUser, _ = actor["exclusiveToUser"].(string)
	}

	self.actors[actorId] = syncActor
	self.actorOrder = append(self.actorOrder, actorId)
}

// deep-merges the update's actor document into the cached actor, then applies
// the transform-space exclusion rule: at most one of `transform.app` or
// `transform.local.position/rotation` survives
func (self *SyncCache) UpdateActor(message *Message) {
	update := message.Payload.Map("actor")
	if update == nil {
		return
	}
	actorId, _ := update["id"].(string)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	syncActor, ok := self.actors[actorId]
	if !ok {
		glog.V(1).Infof("[cache]update for unknown actor=%s\n", actorId)
		return
	}

	actor := syncActor.actor()
	if actor == nil {
		return
	}
	DeepMerge(actor, update)

	if grabbedBy, ok := update["grabbedBy"].(string); ok {
		syncActor.GrabbedBy = grabbedBy
	}

	updateTransform, _ := update["transform"].(map[string]any)
	cachedTransform, _ := actor["transform"].(map[string]any)
	if updateTransform == nil || cachedTransform == nil {
		return
	}
	if _, ok := updateTransform["app"]; ok {
		if local, ok := cachedTransform["local"].(map[string]any); ok {
			delete(local, "position")
			delete(local, "rotation")
		}
	} else if _, ok := updateTransform["local"]; ok {
		delete(cachedTransform, "app")
	}
}

// removes the named actors and their descendant subtrees
func (self *SyncCache) DestroyActors(actorIds []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	children := map[string][]string{}
	for _, actorId := range self.actorOrder {
		syncActor := self.actors[actorId]
		parentId := syncActor.ParentId()
		children[parentId] = append(children[parentId], actorId)
	}

	destroyed := map[string]bool{}
	frontier := slices.Clone(actorIds)
	for 0 < len(frontier) {
		actorId := frontier[0]
		frontier = frontier[1:]
		if destroyed[actorId] {
			continue
		}
		destroyed[actorId] = true
		delete(self.actors, actorId)
		frontier = append(frontier, children[actorId]...)
	}

	self.actorOrder = slices.DeleteFunc(self.actorOrder, func(actorId string) bool {
		return destroyed[actorId]
	})
}

func (self *SyncCache) SetBehavior(message *Message) {
	actorId := message.Payload.String("actorId")

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if syncActor, ok := self.actors[actorId]; ok {
		syncActor.BehaviorMessage = message
	}
}

func (self *SyncCache) CreateAnimation(message *Message) {
	actorId := message.Payload.String("actorId")

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if syncActor, ok := self.actors[actorId]; ok {
		syncActor.CreatedAnimations = append(syncActor.CreatedAnimations, message)
	}
}

func (self *SyncCache) InterpolateActor(message *Message) {
	actorId := message.Payload.String("actorId")

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if syncActor, ok := self.actors[actorId]; ok {
		syncActor.ActiveInterpolations = append(syncActor.ActiveInterpolations, message)
	}
}

// media instances follow the command in the payload:
// start adds, update merges options, stop removes
func (self *SyncCache) SetMediaState(message *Message) {
	actorId := message.Payload.String("actorId")
	instanceId := message.Payload.String("id")

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	syncActor, ok := self.actors[actorId]
	if !ok {
		return
	}

	i := slices.IndexFunc(syncActor.ActiveMediaInstances, func(instance *Message) bool {
		return instance.Payload.String("id") == instanceId
	})

	switch message.Payload.String("mediaCommand") {
	case "start":
		if i < 0 {
			syncActor.ActiveMediaInstances = append(syncActor.ActiveMediaInstances, message)
		} else {
			syncActor.ActiveMediaInstances[i] = message
		}
	case "update":
		// the stored instance keeps its start command so replay restarts it
		if 0 <= i {
			if options := message.Payload.Map("options"); options != nil {
				stored, _ := syncActor.ActiveMediaInstances[i].Payload["options"].(map[string]any)
				syncActor.ActiveMediaInstances[i].Payload["options"] = DeepMerge(stored, options)
			}
		}
	case "stop":
		if 0 <= i {
			syncActor.ActiveMediaInstances = slices.Delete(syncActor.ActiveMediaInstances, i, i+1)
		}
	}
}

// assets

// records the creating message (`load-assets` or `create-asset`) keyed by its message id
func (self *SyncCache) AddAssetCreator(message *Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.assetCreators[message.Id]; ok {
		return
	}
	self.assetCreators[message.Id] = message
	self.creatorOrder = append(self.creatorOrder, message.Id)
}

// records the created assets from a creator reply
// an update buffered while the create was in flight collapses into a
// `create-asset` creator's definition
func (self *SyncCache) AssetsLoaded(creatorMessageId Id, assets []any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	creator, ok := self.assetCreators[creatorMessageId]
	if !ok {
		glog.Errorf("[cache]assets loaded for unknown creator=%s\n", creatorMessageId)
		return
	}

	for _, a := range assets {
		asset, ok := a.(map[string]any)
		if !ok {
			continue
		}
		assetId, _ := asset["id"].(string)
		if assetId == "" {
			continue
		}

		syncAsset, ok := self.assets[assetId]
		if !ok {
			syncAsset = &SyncAsset{
				Id: assetId,
			}
			self.assets[assetId] = syncAsset
			self.assetOrder = append(self.assetOrder, assetId)
		}
		syncAsset.CreatorMessageId = creatorMessageId
		if duration, ok := asset["duration"].(float64); ok {
			syncAsset.Duration = duration
		}

		if creator.PayloadType() == PayloadTypeCreateAsset && syncAsset.Update != nil {
			definition, _ := creator.Payload["definition"].(map[string]any)
			creator.Payload["definition"] = DeepMerge(definition, syncAsset.Update.Payload.Map("asset"))
			syncAsset.Update = nil
		}
	}
}

// merges into the creator's definition when the owning creator is a
// `create-asset`, otherwise buffers the update on the asset
func (self *SyncCache) UpdateAsset(message *Message) {
	asset := message.Payload.Map("asset")
	if asset == nil {
		return
	}
	assetId, _ := asset["id"].(string)
	if assetId == "" {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	syncAsset, ok := self.assets[assetId]
	if !ok {
		// pre-created in an in-flight request. The creator reply fills in the rest.
		syncAsset = &SyncAsset{
			Id: assetId,
		}
		self.assets[assetId] = syncAsset
		self.assetOrder = append(self.assetOrder, assetId)
	}

	creator := self.assetCreators[syncAsset.CreatorMessageId]
	if creator != nil && creator.PayloadType() == PayloadTypeCreateAsset {
		definition, _ := creator.Payload["definition"].(map[string]any)
		creator.Payload["definition"] = DeepMerge(definition, asset)
	} else if syncAsset.Update != nil {
		DeepMerge(syncAsset.Update.Payload.Map("asset"), asset)
	} else {
		syncAsset.Update = message
	}
}

// drops every creator whose `containerId` matches and every asset whose
// creator was dropped
func (self *SyncCache) UnloadAssets(containerId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	droppedCreators := map[Id]bool{}
	for creatorMessageId, creator := range self.assetCreators {
		if creator.Payload.String("containerId") == containerId {
			droppedCreators[creatorMessageId] = true
			delete(self.assetCreators, creatorMessageId)
		}
	}
	self.creatorOrder = slices.DeleteFunc(self.creatorOrder, func(creatorMessageId Id) bool {
		return droppedCreators[creatorMessageId]
	})

	droppedAssets := map[string]bool{}
	for assetId, syncAsset := range self.assets {
		if droppedCreators[syncAsset.CreatorMessageId] {
			droppedAssets[assetId] = true
			delete(self.assets, assetId)
		}
	}
	self.assetOrder = slices.DeleteFunc(self.assetOrder, func(assetId string) bool {
		return droppedAssets[assetId]
	})
}

// users

func (self *SyncCache) UserJoined(message *Message) {
	user := message.Payload.Map("user")
	if user == nil {
		return
	}
	userId, _ := user["id"].(string)
	if userId == "" {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.users[userId]; !ok {
		self.userOrder = append(self.userOrder, userId)
	}
	self.users[userId] = message
}

func (self *SyncCache) UpdateUser(message *Message) {
	update := message.Payload.Map("user")
	if update == nil {
		return
	}
	userId, _ := update["id"].(string)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if joined, ok := self.users[userId]; ok {
		DeepMerge(joined.Payload.Map("user"), update)
	}
}

func (self *SyncCache) UserLeft(userId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.users[userId]; !ok {
		return
	}
	delete(self.users, userId)
	self.userOrder = slices.DeleteFunc(self.userOrder, func(id string) bool {
		return id == userId
	})
}

// accessors

func (self *SyncCache) Actor(actorId string) *SyncActor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.actors[actorId]
}

func (self *SyncCache) Asset(assetId string) *SyncAsset {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.assets[assetId]
}

func (self *SyncCache) AssetCreator(creatorMessageId Id) *Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.assetCreators[creatorMessageId]
}

func (self *SyncCache) User(userId string) *Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.users[userId]
}

func (self *SyncCache) Counts() (actorCount int, assetCount int, creatorCount int, userCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.actors), len(self.assets), len(self.assetCreators), len(self.users)
}

// replay

// Snapshot returns the replay sequence for one newly joining client:
// users, then asset creators, then buffered asset updates, then actors in
// parent-first order with each actor's behavior, animations, interpolations
// and media immediately after the actor itself.
// Actors exclusive to a different user are skipped along with their payloads.
// Messages are deep-cloned so per-client rewrites never touch the cache.
func (self *SyncCache) Snapshot(userId string) []*Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	messages := []*Message{}

	for _, id := range self.userOrder {
		messages = append(messages, self.users[id].DeepClone())
	}
	for _, creatorMessageId := range self.creatorOrder {
		messages = append(messages, self.assetCreators[creatorMessageId].DeepClone())
	}
	for _, assetId := range self.assetOrder {
		if syncAsset, ok := self.assets[assetId]; ok && syncAsset.Update != nil {
			messages = append(messages, syncAsset.Update.DeepClone())
		}
	}

	// parent-first: roots first, then breadth by parent id
	children := map[string][]string{}
	roots := []string{}
	for _, actorId := range self.actorOrder {
		parentId := self.actors[actorId].ParentId()
		if _, ok := self.actors[parentId]; ok {
			children[parentId] = append(children[parentId], actorId)
		} else {
			roots = append(roots, actorId)
		}
	}

	frontier := roots
	for 0 < len(frontier) {
		actorId := frontier[0]
		frontier = frontier[1:]
		frontier = append(frontier, children[actorId]...)

		syncActor := self.actors[actorId]
		if syncActor.ExclusiveToUser != "" && syncActor.ExclusiveToUser != userId {
			continue
		}

		messages = append(messages, syncActor.Initialization.DeepClone())
		if syncActor.BehaviorMessage != nil {
			messages = append(messages, syncActor.BehaviorMessage.DeepClone())
		}
		for _, animation := range syncActor.CreatedAnimations {
			messages = append(messages, animation.DeepClone())
		}
		for _, interpolation := range syncActor.ActiveInterpolations {
			messages = append(messages, interpolation.DeepClone())
		}
		for _, instance := range syncActor.ActiveMediaInstances {
			messages = append(messages, instance.DeepClone())
		}
	}

	return messages
}
