// Package redis implements the room store on Redis so that several
// instances can share rooms. Rooms are JSON values changed with optimistic
// WATCH/MULTI/EXEC transactions, and every committed change is published
// on a channel that each instance folds into its local change feed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/knadh/parley/store"
	"github.com/knadh/parley/store/feed"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Config represents the Redis store config structure.
type Config struct {
	Address     string        `koanf:"address"`
	Password    string        `koanf:"password"`
	DB          int           `koanf:"db"`
	ActiveConns int           `koanf:"active_conns"`
	IdleConns   int           `koanf:"idle_conns"`
	Timeout     time.Duration `koanf:"timeout"`

	PrefixRoom string `koanf:"prefix_room"`

	// PrefixOwner keys point an identity at the room holding its
	// participant seat.
	PrefixOwner string `koanf:"prefix_owner"`
	KeyOpen     string `koanf:"key_open"`
	KeyClosed   string `koanf:"key_closed"`
	Channel     string `koanf:"channel"`

	IdleTimeout   time.Duration `koanf:"-"`
	ActiveTimeout time.Duration `koanf:"-"`
}

// Redis represents the Redis implementation of the Store interface.
type Redis struct {
	cfg  *Config
	pool *redis.Pool
	feed *feed.Feed
	log  zerolog.Logger
	now  func() time.Time

	// psc is replaced when the subscription is re-established.
	mu   sync.Mutex
	psc  redis.PubSubConn
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

var _ store.Store = (*Redis)(nil)

const maxBackoff = 30 * time.Second

var (
	// errNoop aborts a mutation without an error surfacing to the caller.
	errNoop = errors.New("no-op")

	errClosed = errors.New("store closed")
)

// delIfEq deletes a key only while it still holds the given value.
var delIfEq = redis.NewScript(1, `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`)

// New returns a new Redis store and starts listening for room changes.
func New(cfg Config, l zerolog.Logger) (*Redis, error) {
	if cfg.PrefixRoom == "" {
		cfg.PrefixRoom = "parley:room:%s"
	}
	if cfg.PrefixOwner == "" {
		cfg.PrefixOwner = "parley:owner:%s"
	}
	if cfg.KeyOpen == "" {
		cfg.KeyOpen = "parley:rooms:open"
	}
	if cfg.KeyClosed == "" {
		cfg.KeyClosed = "parley:rooms:closed"
	}
	if cfg.Channel == "" {
		cfg.Channel = "parley:events"
	}

	pool := &redis.Pool{
		Wait:      true,
		MaxActive: cfg.ActiveConns,
		MaxIdle:   cfg.IdleConns,
		Dial: func() (redis.Conn, error) {
			return redis.Dial(
				"tcp",
				cfg.Address,
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(cfg.Timeout),
				redis.DialReadTimeout(cfg.Timeout),
				redis.DialWriteTimeout(cfg.Timeout),
				redis.DialDatabase(cfg.DB),
			)
		},
	}

	// Test connection.
	c := pool.Get()
	defer c.Close()
	if _, err := c.Do("PING"); err != nil {
		return nil, err
	}

	r := &Redis{
		cfg:  &cfg,
		pool: pool,
		feed: feed.New(),
		log:  l,
		now:  time.Now,
		quit: make(chan struct{}),
	}
	psc, err := r.subscribe()
	if err != nil {
		return nil, err
	}

	r.wg.Add(1)
	go r.listen(psc)
	return r, nil
}

// CreateRoom adds a new waiting room owned by creator.
func (r *Redis) CreateRoom(ctx context.Context, topic string, f store.Filters, role store.Role, creator string) (store.Room, error) {
	if role != store.RoleParticipant {
		return store.Room{}, store.ErrInvalidRole
	}

	room := store.NewRoom(ulid.Make().String(), topic, f, creator, r.now())
	b, err := json.Marshal(room)
	if err != nil {
		return store.Room{}, err
	}

	c := r.pool.Get()
	defer c.Close()

	ownerKey := r.ownerKey(creator)
	for {
		if err := ctx.Err(); err != nil {
			return store.Room{}, err
		}

		if _, err := c.Do("WATCH", ownerKey); err != nil {
			return store.Room{}, err
		}
		if err := r.checkSeat(c, ownerKey, room.ID); err != nil {
			c.Do("UNWATCH")
			return store.Room{}, err
		}

		c.Send("MULTI")
		c.Send("SET", r.roomKey(room.ID), b)
		c.Send("SET", ownerKey, room.ID)
		c.Send("ZADD", r.cfg.KeyOpen, room.CreatedAt.UnixMilli(), room.ID)
		c.Send("PUBLISH", r.cfg.Channel, b)
		if _, err := redis.Values(c.Do("EXEC")); err != nil {
			if err == redis.ErrNil {
				continue
			}
			return store.Room{}, err
		}

		r.feed.Publish(room)
		return room, nil
	}
}

// TryJoin adds identity to a room. Concurrent joins race on the room key's
// WATCH and exactly one commits. A participant join also WATCHes and claims
// the identity's owner key, so it fails with ErrConflict while the identity
// is seated in another open room.
func (r *Redis) TryJoin(ctx context.Context, id, identity string, role store.Role) (store.Room, error) {
	seat := ""
	if role == store.RoleParticipant {
		seat = r.ownerKey(identity)
	}
	return r.mutate(ctx, id, seat, func(rm store.Room) (store.Room, error) {
		return store.ApplyJoin(rm, identity, role, r.now())
	})
}

// Leave removes identity from a room.
func (r *Redis) Leave(ctx context.Context, id, identity string) (store.Room, error) {
	return r.mutate(ctx, id, "", func(rm store.Room) (store.Room, error) {
		return store.ApplyLeave(rm, identity, r.now())
	})
}

// CloseIfIdle closes a room that has outlived its idle window.
func (r *Redis) CloseIfIdle(ctx context.Context, id string, now time.Time) (bool, error) {
	_, err := r.mutate(ctx, id, "", func(rm store.Room) (store.Room, error) {
		if !store.IdleDue(rm, now, r.cfg.IdleTimeout, r.cfg.ActiveTimeout) {
			return rm, errNoop
		}
		return store.ApplyClose(rm, store.ReasonIdle, now)
	})
	switch {
	case err == errNoop:
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// CancelRoom closes a room only if it is still waiting.
func (r *Redis) CancelRoom(ctx context.Context, id string) error {
	_, err := r.mutate(ctx, id, "", func(rm store.Room) (store.Room, error) {
		return store.ApplyCancel(rm, r.now())
	})
	return err
}

// CloseRoom closes an open room.
func (r *Redis) CloseRoom(ctx context.Context, id string, reason store.CloseReason) error {
	_, err := r.mutate(ctx, id, "", func(rm store.Room) (store.Room, error) {
		return store.ApplyClose(rm, reason, r.now())
	})
	return err
}

// Touch bumps a room's last activity.
func (r *Redis) Touch(ctx context.Context, id string, now time.Time) error {
	_, err := r.mutate(ctx, id, "", func(rm store.Room) (store.Room, error) {
		return store.ApplyTouch(rm, now)
	})
	return err
}

// GetRoom gets a room from the store.
func (r *Redis) GetRoom(ctx context.Context, id string) (store.Room, error) {
	c := r.pool.Get()
	defer c.Close()
	return r.get(c, id)
}

// ListRooms returns the rooms matching pred, oldest first.
func (r *Redis) ListRooms(ctx context.Context, pred store.Predicate) ([]store.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := r.pool.Get()
	defer c.Close()
	return r.list(c, pred)
}

// Prune drops closed rooms closed before the given time.
func (r *Redis) Prune(ctx context.Context, before time.Time) (int, error) {
	c := r.pool.Get()
	defer c.Close()

	ids, err := redis.Strings(c.Do("ZRANGEBYSCORE", r.cfg.KeyClosed, "-inf", "("+fmt.Sprint(before.UnixMilli())))
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	rooms, err := r.mget(c, ids)
	if err != nil {
		return 0, err
	}

	c.Send("MULTI")
	for _, id := range ids {
		c.Send("DEL", r.roomKey(id))
		c.Send("ZREM", r.cfg.KeyClosed, id)
	}
	if _, err := c.Do("EXEC"); err != nil {
		return 0, err
	}

	// Owner keys still pointing at a pruned room are dropped. Keys already
	// claimed for a newer room are left alone.
	for _, rm := range rooms {
		seated := map[string]bool{rm.CreatedBy: true}
		for _, o := range rm.Occupants {
			if o.Role == store.RoleParticipant {
				seated[o.ID] = true
			}
		}
		for id := range seated {
			if _, err := delIfEq.Do(c, r.ownerKey(id), rm.ID); err != nil {
				r.log.Error().Err(err).Str("room", rm.ID).Msg("error clearing owner key")
			}
		}
	}

	for _, id := range ids {
		r.feed.Forget(id)
	}
	return len(ids), nil
}

// Subscribe streams room events matching pred, starting with a replay of
// the current state.
func (r *Redis) Subscribe(ctx context.Context, pred store.Predicate) (<-chan store.Event, error) {
	return r.feed.Subscribe(ctx, pred, func() ([]store.Room, error) {
		c := r.pool.Get()
		defer c.Close()
		return r.list(c, pred)
	})
}

// Close stops listening, ends all subscriptions and closes the pool.
func (r *Redis) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		close(r.quit)
		r.psc.Unsubscribe()
		r.psc.Close()
		r.mu.Unlock()

		r.wg.Wait()
		r.feed.Close()
	})
	return r.pool.Close()
}

// subscribe dials a dedicated connection and subscribes to room events.
// The connection blocks on reads indefinitely.
func (r *Redis) subscribe() (redis.PubSubConn, error) {
	sc, err := redis.Dial(
		"tcp",
		r.cfg.Address,
		redis.DialPassword(r.cfg.Password),
		redis.DialConnectTimeout(r.cfg.Timeout),
		redis.DialDatabase(r.cfg.DB),
	)
	if err != nil {
		return redis.PubSubConn{}, err
	}

	psc := redis.PubSubConn{Conn: sc}
	if err := psc.Subscribe(r.cfg.Channel); err != nil {
		sc.Close()
		return redis.PubSubConn{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.quit:
		psc.Close()
		return redis.PubSubConn{}, errClosed
	default:
	}
	r.psc = psc
	return psc, nil
}

// listen folds room changes published by any instance into the local feed.
// A dropped subscription is re-established with backoff, after which the
// open rooms are read back so that changes missed meanwhile still reach the
// feed.
func (r *Redis) listen(psc redis.PubSubConn) {
	defer r.wg.Done()

	for {
		err := r.receive(psc)
		select {
		case <-r.quit:
			return
		default:
		}
		r.log.Error().Err(err).Msg("lost room event subscription")

		wait := time.Second
		for {
			select {
			case <-r.quit:
				return
			case <-time.After(wait):
			}

			psc, err = r.subscribe()
			if err == nil {
				break
			}
			if err == errClosed {
				return
			}
			r.log.Error().Err(err).Dur("retry", wait).Msg("error resubscribing to room events")
			if wait *= 2; wait > maxBackoff {
				wait = maxBackoff
			}
		}

		r.log.Info().Msg("resubscribed to room events")
		r.resync()
	}
}

// receive reads messages until the subscription ends.
func (r *Redis) receive(psc redis.PubSubConn) error {
	for {
		switch m := psc.Receive().(type) {
		case redis.Message:
			var rm store.Room
			if err := json.Unmarshal(m.Data, &rm); err != nil {
				r.log.Error().Err(err).Msg("error decoding room event")
				continue
			}
			r.feed.Publish(rm)

		case redis.Subscription:
			if m.Count == 0 {
				return errors.New("unsubscribed")
			}

		case error:
			return m
		}
	}
}

// resync publishes the current state of every open room. The feed drops
// the ones it has already seen.
func (r *Redis) resync() {
	c := r.pool.Get()
	defer c.Close()

	rooms, err := r.list(c, store.All)
	if err != nil {
		r.log.Error().Err(err).Msg("error reading rooms after resubscribing")
		return
	}
	for _, rm := range rooms {
		r.feed.Publish(rm)
	}
}

// mutate applies fn to the current state of a room and commits the result
// in a WATCH/MULTI/EXEC transaction, retrying when another writer got there
// first. fn sees the latest state on every attempt. A non-empty seat is an
// owner key that must be free, or already point at the room, and is
// claimed in the same transaction.
func (r *Redis) mutate(ctx context.Context, id, seat string, fn func(store.Room) (store.Room, error)) (store.Room, error) {
	c := r.pool.Get()
	defer c.Close()

	key := r.roomKey(id)
	for {
		if err := ctx.Err(); err != nil {
			return store.Room{}, err
		}

		watch := []interface{}{key}
		if seat != "" {
			watch = append(watch, seat)
		}
		if _, err := c.Do("WATCH", watch...); err != nil {
			return store.Room{}, err
		}
		old, err := r.get(c, id)
		if err != nil {
			c.Do("UNWATCH")
			return store.Room{}, err
		}
		if seat != "" {
			if err := r.checkSeat(c, seat, id); err != nil {
				c.Do("UNWATCH")
				return store.Room{}, err
			}
		}

		next, err := fn(old)
		if err != nil {
			c.Do("UNWATCH")
			return old, err
		}
		next.Version = old.Version + 1

		b, err := json.Marshal(next)
		if err != nil {
			c.Do("UNWATCH")
			return store.Room{}, err
		}

		c.Send("MULTI")
		c.Send("SET", key, b)
		if seat != "" {
			c.Send("SET", seat, id)
		}
		if next.Status == store.StatusClosed {
			c.Send("ZREM", r.cfg.KeyOpen, id)
			c.Send("ZADD", r.cfg.KeyClosed, next.ClosedAt.UnixMilli(), id)
		}
		c.Send("PUBLISH", r.cfg.Channel, b)
		if _, err := redis.Values(c.Do("EXEC")); err != nil {
			if err == redis.ErrNil {
				continue
			}
			return store.Room{}, err
		}

		r.feed.Publish(next)
		return next, nil
	}
}

func (r *Redis) get(c redis.Conn, id string) (store.Room, error) {
	b, err := redis.Bytes(c.Do("GET", r.roomKey(id)))
	if err != nil {
		if err == redis.ErrNil {
			return store.Room{}, store.ErrRoomNotFound
		}
		return store.Room{}, err
	}

	var out store.Room
	if err := json.Unmarshal(b, &out); err != nil {
		return store.Room{}, err
	}
	return out, nil
}

// list reads the open rooms matching pred. Closed rooms are never read.
func (r *Redis) list(c redis.Conn, pred store.Predicate) ([]store.Room, error) {
	if pred == nil {
		pred = store.All
	}

	ids, err := redis.Strings(c.Do("ZRANGE", r.cfg.KeyOpen, 0, -1))
	if err != nil {
		return nil, err
	}
	rooms, err := r.mget(c, ids)
	if err != nil {
		return nil, err
	}

	out := make([]store.Room, 0, len(rooms))
	for _, rm := range rooms {
		// Closed between the ZRANGE and the MGET.
		if rm.Open() && pred(rm) {
			out = append(out, rm)
		}
	}

	store.SortRooms(out)
	return out, nil
}

// mget reads rooms by ID, skipping the ones that no longer exist.
func (r *Redis) mget(c redis.Conn, ids []string) ([]store.Room, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, r.roomKey(id))
	}
	vals, err := redis.ByteSlices(c.Do("MGET", args...))
	if err != nil {
		return nil, err
	}

	out := make([]store.Room, 0, len(vals))
	for _, b := range vals {
		if b == nil {
			continue
		}
		var rm store.Room
		if err := json.Unmarshal(b, &rm); err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, nil
}

// checkSeat fails with ErrConflict if the owner key points at an open room
// other than id. A claim on a closed or pruned room is stale.
func (r *Redis) checkSeat(c redis.Conn, key, id string) error {
	prev, err := redis.String(c.Do("GET", key))
	if err != nil {
		if err == redis.ErrNil {
			return nil
		}
		return err
	}
	if prev == id {
		return nil
	}

	old, err := r.get(c, prev)
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		return nil
	case err != nil:
		return err
	case old.Open():
		return store.ErrConflict
	}
	return nil
}

func (r *Redis) ownerKey(identity string) string {
	return fmt.Sprintf(r.cfg.PrefixOwner, identity)
}

func (r *Redis) roomKey(id string) string {
	return fmt.Sprintf(r.cfg.PrefixRoom, id)
}
