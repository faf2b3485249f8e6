package state

import "time"

// Config configures the Manager and the backends it constructs.
type Config struct {
	// DeployMode selects the replicated Redis backends instead of the
	// in-process memory backends. Set this when running more than one
	// worker against shared state.
	// Default: false.
	DeployMode bool

	// RedisURL is the Redis connection URL used in deploy mode
	// (e.g. "redis://localhost:6379/0"). Ignored when RedisClient is set.
	RedisURL string

	// RedisClient is an optional pre-built Redis client. When set it is
	// used directly and RedisURL is ignored. The manager does not close
	// injected clients.
	RedisClient RedisClient

	// EventBus is an optional pre-built event bus (e.g. NewNATSBus for
	// brokered deployments). When nil, deploy mode uses Redis pub/sub and
	// local mode uses the in-process bus.
	EventBus EventBus

	// KeyPrefix namespaces all Redis keys and channels.
	// Default: "glint".
	KeyPrefix string

	// WidgetTTL bounds how long a widget record survives without updates
	// in deploy mode. Updates slide the expiry.
	// Default: 24 hours.
	WidgetTTL time.Duration

	// ConnectionTTL bounds how long a connection record survives without a
	// heartbeat refresh.
	// Default: 90 seconds.
	ConnectionTTL time.Duration

	// SessionTTL is the default session lifetime when CreateSession is
	// called without an explicit TTL.
	// Default: 24 hours.
	SessionTTL time.Duration

	// EventQueueSize is the buffer size of per-subscriber and per-widget
	// event queues. A full queue drops the newest message instead of
	// blocking the publisher.
	// Default: 256.
	EventQueueSize int

	// BridgeTimeout bounds how long a synchronous caller blocks on a
	// bridged store operation.
	// Default: 10 seconds.
	BridgeTimeout time.Duration

	// CleanupInterval is how often the memory backends purge expired
	// records. Reads never depend on the purge; expiry is always checked
	// on the read path too.
	// Default: 1 minute.
	CleanupInterval time.Duration

	// StrictResourceScoping makes CheckPermission consult only the
	// resource-scoped grants in session metadata when a resource is named,
	// ignoring the role layer. When false, a match in either layer grants
	// access.
	// Default: false.
	StrictResourceScoping bool

	// RolePermissions maps role names to their static permission sets.
	// Default: DefaultRolePermissions().
	RolePermissions map[string][]string
}

// DefaultConfig returns a Config with sensible defaults for a single-worker,
// in-memory deployment.
func DefaultConfig() Config {
	return Config{
		DeployMode:      false,
		KeyPrefix:       "glint",
		WidgetTTL:       24 * time.Hour,
		ConnectionTTL:   90 * time.Second,
		SessionTTL:      24 * time.Hour,
		EventQueueSize:  256,
		BridgeTimeout:   10 * time.Second,
		CleanupInterval: 1 * time.Minute,
		RolePermissions: DefaultRolePermissions(),
	}
}

// DefaultRolePermissions returns the built-in role to permission-set map.
func DefaultRolePermissions() map[string][]string {
	return map[string][]string{
		"admin":  {"read", "write", "admin"},
		"user":   {"read", "write"},
		"viewer": {"read"},
	}
}

// withDefaults fills zero fields with their defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.WidgetTTL <= 0 {
		c.WidgetTTL = d.WidgetTTL
	}
	if c.ConnectionTTL <= 0 {
		c.ConnectionTTL = d.ConnectionTTL
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = d.EventQueueSize
	}
	if c.BridgeTimeout <= 0 {
		c.BridgeTimeout = d.BridgeTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.RolePermissions == nil {
		c.RolePermissions = d.RolePermissions
	}
	return c
}

// keyspace builds namespaced Redis keys and channel names. The layout is
// intentionally flat and inspectable:
//
//	{prefix}:widget:{id}                widget hash
//	{prefix}:widgets:active             membership set of live widget IDs
//	{prefix}:conn:{widget_id}           connection hash, TTL-bound
//	{prefix}:worker:{worker_id}:connections  set of widget IDs per worker
//	{prefix}:session:{id}               session hash, TTL-bound
//	{prefix}:user:{id}:sessions         set of session IDs per user
//	{prefix}:role_permissions           role -> JSON permission list
//	{prefix}:channel:{channel}          pub/sub channel
type keyspace struct {
	prefix string
}

func (k keyspace) widget(id string) string        { return k.prefix + ":widget:" + id }
func (k keyspace) widgetsActive() string          { return k.prefix + ":widgets:active" }
func (k keyspace) conn(widgetID string) string    { return k.prefix + ":conn:" + widgetID }
func (k keyspace) workerConns(id string) string   { return k.prefix + ":worker:" + id + ":connections" }
func (k keyspace) session(id string) string       { return k.prefix + ":session:" + id }
func (k keyspace) userSessions(id string) string  { return k.prefix + ":user:" + id + ":sessions" }
func (k keyspace) rolePermissions() string        { return k.prefix + ":role_permissions" }
func (k keyspace) channel(name string) string     { return k.prefix + ":channel:" + name }

// WidgetChannel returns the per-widget event channel name.
func WidgetChannel(widgetID string) string {
	return "widget:" + widgetID
}

// WorkersChannel is the channel used for worker lifecycle notifications.
const WorkersChannel = "workers"
