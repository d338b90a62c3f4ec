package multiplex

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func createActorMessage(actorId string, actor map[string]any) *Message {
	if actor == nil {
		actor = map[string]any{}
	}
	actor["id"] = actorId
	message := NewMessage(Payload{
		"type":  PayloadTypeCreateActor,
		"actor": actor,
	})
	message.Id = NewId()
	return message
}

func actorUpdateMessage(actorId string, actor map[string]any) *Message {
	if actor == nil {
		actor = map[string]any{}
	}
	actor["id"] = actorId
	message := NewMessage(Payload{
		"type":  PayloadTypeActorUpdate,
		"actor": actor,
	})
	message.Id = NewId()
	return message
}

func TestCacheInitializeActor(t *testing.T) {
	cache := NewSyncCache()

	cache.InitializeActor(createActorMessage("a1", map[string]any{
		"name": "root",
	}))

	syncActor := cache.Actor("a1")
	assert.NotEqual(t, syncActor, nil)
	assert.Equal(t, syncActor.ActorId, "a1")
	assert.Equal(t, syncActor.Initialization.PayloadType(), PayloadTypeCreateActor)

	// a duplicate initialize is an error and changes nothing
	cache.InitializeActor(createActorMessage("a1", map[string]any{
		"name": "other",
	}))
	assert.Equal(t, cache.Actor("a1").actor()["name"], "root")
}

// a reserved placeholder's state survives the real init
func TestCacheReserveThenInitialize(t *testing.T) {
	cache := NewSyncCache()

	reserve := NewMessage(Payload{
		"type": PayloadTypeReserveActor,
		"actor": map[string]any{
			"id":              "a1",
			"exclusiveToUser": "u1",
		},
	})
	reserve.Id = NewId()
	cache.InitializeActor(reserve)
	assert.Equal(t, cache.Actor("a1").ExclusiveToUser, "u1")

	create := createActorMessage("a1", map[string]any{
		"name": "ball",
	})
	cache.InitializeActor(create)

	syncActor := cache.Actor("a1")
	assert.Equal(t, syncActor.Initialization.PayloadType(), PayloadTypeCreateActor)
	actor := syncActor.actor()
	assert.Equal(t, actor["name"], "ball")
	assert.Equal(t, actor["exclusiveToUser"], "u1")
	assert.Equal(t, syncActor.ExclusiveToUser, "u1")
}

// `exclusiveToUser` is inherited from the parent at insert time
func TestCacheExclusiveInheritance(t *testing.T) {
	cache := NewSyncCache()

	cache.InitializeActor(createActorMessage("a1", map[string]any{
		"exclusiveToUser": "u1",
	}))
	cache.InitializeActor(createActorMessage("a2", map[string]any{
		"parentId": "a1",
	}))

	assert.Equal(t, cache.Actor("a2").ExclusiveToUser, "u1")

	// never later rewritten
	cache.UpdateActor(actorUpdateMessage("a2", map[string]any{
		"exclusiveToUser": "u2",
	}))
	assert.Equal(t, cache.Actor("a2").ExclusiveToUser, "u1")
}

func TestCacheUpdateActorMerges(t *testing.T) {
	cache := NewSyncCache()

	cache.InitializeActor(createActorMessage("a1", map[string]any{
		"name": "ball",
		"appearance": map[string]any{
			"enabled": true,
		},
	}))
	cache.UpdateActor(actorUpdateMessage("a1", map[string]any{
		"appearance": map[string]any{
			"materialId": "m1",
		},
	}))

	actor := cache.Actor("a1").actor()
	appearance := actor["appearance"].(map[string]any)
	assert.Equal(t, appearance["enabled"], true)
	assert.Equal(t, appearance["materialId"], "m1")
	assert.Equal(t, actor["name"], "ball")
}

// at most one transform space survives per actor
func TestCacheTransformSpaceConflict(t *testing.T) {
	cache := NewSyncCache()

	cache.InitializeActor(createActorMessage("a1", map[string]any{
		"transform": map[string]any{
			"local": map[string]any{
				"position": map[string]any{"x": 1.0},
				"rotation": map[string]any{"w": 1.0},
				"scale":    map[string]any{"x": 2.0},
			},
		},
	}))

	cache.UpdateActor(actorUpdateMessage("a1", map[string]any{
		"transform": map[string]any{
			"app": map[string]any{
				"position": map[string]any{"x": 5.0},
				"rotation": map[string]any{"w": 0.5},
			},
		},
	}))

	transform := cache.Actor("a1").actor()["transform"].(map[string]any)
	app := transform["app"].(map[string]any)
	assert.Equal(t, app["position"].(map[string]any)["x"], 5.0)
	local := transform["local"].(map[string]any)
	_, hasPosition := local["position"]
	_, hasRotation := local["rotation"]
	assert.Equal(t, hasPosition, false)
	assert.Equal(t, hasRotation, false)
	// scale is not part of the exclusion
	assert.Equal(t, local["scale"].(map[string]any)["x"], 2.0)

	// and back the other way
	cache.UpdateActor(actorUpdateMessage("a1", map[string]any{
		"transform": map[string]any{
			"local": map[string]any{
				"position": map[string]any{"x": 3.0},
			},
		},
	}))
	transform = cache.Actor("a1").actor()["transform"].(map[string]any)
	_, hasApp := transform["app"]
	assert.Equal(t, hasApp, false)
}

func TestCacheDestroyActorSubtree(t *testing.T) {
	cache := NewSyncCache()

	cache.InitializeActor(createActorMessage("a1", nil))
	cache.InitializeActor(createActorMessage("a2", map[string]any{"parentId": "a1"}))
	cache.InitializeActor(createActorMessage("a3", map[string]any{"parentId": "a2"}))
	cache.InitializeActor(createActorMessage("b1", nil))

	cache.DestroyActors([]string{"a1"})

	assert.Equal(t, cache.Actor("a1"), nil)
	assert.Equal(t, cache.Actor("a2"), nil)
	assert.Equal(t, cache.Actor("a3"), nil)
	assert.NotEqual(t, cache.Actor("b1"), nil)
}

func loadAssetsMessage(containerId string) *Message {
	message := NewMessage(Payload{
		"type":        PayloadTypeLoadAssets,
		"containerId": containerId,
	})
	message.Id = NewId()
	return message
}

func createAssetMessage(containerId string, definition map[string]any) *Message {
	message := NewMessage(Payload{
		"type":        PayloadTypeCreateAsset,
		"containerId": containerId,
		"definition":  definition,
	})
	message.Id = NewId()
	return message
}

func assetUpdateMessage(assetId string, asset map[string]any) *Message {
	if asset == nil {
		asset = map[string]any{}
	}
	asset["id"] = assetId
	message := NewMessage(Payload{
		"type":  PayloadTypeAssetUpdate,
		"asset": asset,
	})
	message.Id = NewId()
	return message
}

func TestCacheAssetCreation(t *testing.T) {
	cache := NewSyncCache()

	creator := loadAssetsMessage("ct1")
	cache.AddAssetCreator(creator)
	assert.NotEqual(t, cache.AssetCreator(creator.Id), nil)

	cache.AssetsLoaded(creator.Id, []any{
		map[string]any{"id": "x", "duration": 1.5},
	})

	syncAsset := cache.Asset("x")
	assert.NotEqual(t, syncAsset, nil)
	assert.Equal(t, syncAsset.CreatorMessageId, creator.Id)
	assert.Equal(t, syncAsset.Duration, 1.5)
}

// create-then-update and create-with-merged-update produce identical state
func TestCacheCreateThenUpdateCollapse(t *testing.T) {
	cache := NewSyncCache()

	creator := createAssetMessage("ct1", map[string]any{
		"id":    "x",
		"sound": map[string]any{"volume": 0.5},
	})
	cache.AddAssetCreator(creator)

	// the update arrives while the create is in flight
	cache.UpdateAsset(assetUpdateMessage("x", map[string]any{
		"sound": map[string]any{"volume": 0.9, "looping": true},
	}))
	assert.NotEqual(t, cache.Asset("x").Update, nil)

	// the reply arrives creating asset x
	cache.AssetsLoaded(creator.Id, []any{
		map[string]any{"id": "x"},
	})

	syncAsset := cache.Asset("x")
	assert.Equal(t, syncAsset.Update, nil)
	definition := cache.AssetCreator(creator.Id).Payload["definition"].(map[string]any)
	sound := definition["sound"].(map[string]any)
	assert.Equal(t, sound["volume"], 0.9)
	assert.Equal(t, sound["looping"], true)
}

// a later update merges straight into a create-asset creator's definition
func TestCacheAssetUpdateAfterCreate(t *testing.T) {
	cache := NewSyncCache()

	creator := createAssetMessage("ct1", map[string]any{"id": "x"})
	cache.AddAssetCreator(creator)
	cache.AssetsLoaded(creator.Id, []any{map[string]any{"id": "x"}})

	cache.UpdateAsset(assetUpdateMessage("x", map[string]any{
		"sound": map[string]any{"volume": 0.7},
	}))

	definition := cache.AssetCreator(creator.Id).Payload["definition"].(map[string]any)
	assert.Equal(t, definition["sound"].(map[string]any)["volume"], 0.7)
	assert.Equal(t, cache.Asset("x").Update, nil)
}

// updates against a load-assets creator buffer on the asset and coalesce
func TestCacheAssetUpdateBuffering(t *testing.T) {
	cache := NewSyncCache()

	creator := loadAssetsMessage("ct1")
	cache.AddAssetCreator(creator)
	cache.AssetsLoaded(creator.Id, []any{map[string]any{"id": "x"}})

	cache.UpdateAsset(assetUpdateMessage("x", map[string]any{
		"sound": map[string]any{"volume": 0.7},
	}))
	cache.UpdateAsset(assetUpdateMessage("x", map[string]any{
		"sound": map[string]any{"looping": true},
	}))

	update := cache.Asset("x").Update
	assert.NotEqual(t, update, nil)
	sound := update.Payload.Map("asset")["sound"].(map[string]any)
	assert.Equal(t, sound["volume"], 0.7)
	assert.Equal(t, sound["looping"], true)
}

func TestCacheUnloadAssetsCascade(t *testing.T) {
	cache := NewSyncCache()

	m1 := loadAssetsMessage("ct1")
	m2 := loadAssetsMessage("ct1")
	m3 := loadAssetsMessage("ct2")
	cache.AddAssetCreator(m1)
	cache.AddAssetCreator(m2)
	cache.AddAssetCreator(m3)
	cache.AssetsLoaded(m1.Id, []any{
		map[string]any{"id": "a"},
		map[string]any{"id": "b"},
	})
	cache.AssetsLoaded(m2.Id, []any{map[string]any{"id": "c"}})
	cache.AssetsLoaded(m3.Id, []any{map[string]any{"id": "d"}})

	cache.UnloadAssets("ct1")

	assert.Equal(t, cache.AssetCreator(m1.Id), nil)
	assert.Equal(t, cache.AssetCreator(m2.Id), nil)
	assert.Equal(t, cache.Asset("a"), nil)
	assert.Equal(t, cache.Asset("b"), nil)
	assert.Equal(t, cache.Asset("c"), nil)
	// unrelated containers untouched
	assert.NotEqual(t, cache.AssetCreator(m3.Id), nil)
	assert.NotEqual(t, cache.Asset("d"), nil)
}

func TestCacheUsers(t *testing.T) {
	cache := NewSyncCache()

	joined := NewMessage(Payload{
		"type": PayloadTypeUserJoined,
		"user": map[string]any{"id": "u1", "name": "ada"},
	})
	joined.Id = NewId()
	cache.UserJoined(joined)
	assert.NotEqual(t, cache.User("u1"), nil)

	update := NewMessage(Payload{
		"type": PayloadTypeUserUpdate,
		"user": map[string]any{"id": "u1", "name": "ada l"},
	})
	update.Id = NewId()
	cache.UpdateUser(update)
	assert.Equal(t, cache.User("u1").Payload.Map("user")["name"], "ada l")

	cache.UserLeft("u1")
	assert.Equal(t, cache.User("u1"), nil)
}

func TestCacheMediaInstances(t *testing.T) {
	cache := NewSyncCache()
	cache.InitializeActor(createActorMessage("a1", nil))

	start := NewMessage(Payload{
		"type":         PayloadTypeSetMediaState,
		"actorId":      "a1",
		"id":           "m1",
		"mediaCommand": "start",
		"options":      map[string]any{"volume": 0.5},
	})
	start.Id = NewId()
	cache.SetMediaState(start)
	assert.Equal(t, len(cache.Actor("a1").ActiveMediaInstances), 1)

	update := NewMessage(Payload{
		"type":         PayloadTypeSetMediaState,
		"actorId":      "a1",
		"id":           "m1",
		"mediaCommand": "update",
		"options":      map[string]any{"volume": 0.9},
	})
	update.Id = NewId()
	cache.SetMediaState(update)
	instance := cache.Actor("a1").ActiveMediaInstances[0]
	assert.Equal(t, instance.Payload.Map("options")["volume"], 0.9)

	stop := NewMessage(Payload{
		"type":         PayloadTypeSetMediaState,
		"actorId":      "a1",
		"id":           "m1",
		"mediaCommand": "stop",
	})
	stop.Id = NewId()
	cache.SetMediaState(stop)
	assert.Equal(t, len(cache.Actor("a1").ActiveMediaInstances), 0)
}

// creators before assets, assets before actors, actors parent-first,
// per-actor payloads after the actor itself
func TestCacheSnapshotOrder(t *testing.T) {
	cache := NewSyncCache()

	joined := NewMessage(Payload{
		"type": PayloadTypeUserJoined,
		"user": map[string]any{"id": "u1"},
	})
	joined.Id = NewId()
	cache.UserJoined(joined)

	creator := loadAssetsMessage("ct1")
	cache.AddAssetCreator(creator)
	cache.AssetsLoaded(creator.Id, []any{map[string]any{"id": "x"}})
	cache.UpdateAsset(assetUpdateMessage("x", map[string]any{"name": "n"}))

	// inserted child-before-parent to exercise the topological order
	cache.InitializeActor(createActorMessage("a2", map[string]any{"parentId": "a1"}))
	cache.InitializeActor(createActorMessage("a1", nil))
	animation := NewMessage(Payload{
		"type":    PayloadTypeCreateAnimation,
		"actorId": "a2",
	})
	animation.Id = NewId()
	cache.CreateAnimation(animation)

	messages := cache.Snapshot("u1")

	types := []string{}
	for _, message := range messages {
		types = append(types, message.PayloadType())
	}
	assert.Equal(t, types, []string{
		PayloadTypeUserJoined,
		PayloadTypeLoadAssets,
		PayloadTypeAssetUpdate,
		PayloadTypeCreateActor, // a1
		PayloadTypeCreateActor, // a2
		PayloadTypeCreateAnimation,
	})
	assert.Equal(t, messages[3].Payload.Map("actor")["id"], "a1")
	assert.Equal(t, messages[4].Payload.Map("actor")["id"], "a2")
}

// actors exclusive to another user are skipped along with their subtree
func TestCacheSnapshotExclusiveFilter(t *testing.T) {
	cache := NewSyncCache()

	cache.InitializeActor(createActorMessage("a1", map[string]any{"exclusiveToUser": "u1"}))
	cache.InitializeActor(createActorMessage("a2", map[string]any{"parentId": "a1"}))
	cache.InitializeActor(createActorMessage("b1", nil))

	messages := cache.Snapshot("u2")
	actorIds := []string{}
	for _, message := range messages {
		actorIds = append(actorIds, message.Payload.Map("actor")["id"].(string))
	}
	assert.Equal(t, actorIds, []string{"b1"})

	messages = cache.Snapshot("u1")
	assert.Equal(t, len(messages), 3)
}

// the snapshot is deep-cloned: rewrites never touch the cache
func TestCacheSnapshotIsolation(t *testing.T) {
	cache := NewSyncCache()
	cache.InitializeActor(createActorMessage("a1", map[string]any{"name": "ball"}))

	messages := cache.Snapshot("")
	messages[0].Payload.Map("actor")["name"] = "mutated"

	assert.Equal(t, cache.Actor("a1").actor()["name"], "ball")
}
