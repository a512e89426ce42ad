package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vire-cms/vire/internal/logger"
	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/period"
	"github.com/vire-cms/vire/pkg/resource/pool"
	"github.com/vire-cms/vire/pkg/user"
)

// ConnectionState is the state of a client connection.
type ConnectionState int

const (
	ConnUninitialized ConnectionState = iota
	ConnInitialized
	ConnConnected
	ConnDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnUninitialized:
		return "uninitialized"
	case ConnInitialized:
		return "initialized"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectionHooks customize connect and disconnect. Both are optional.
type ConnectionHooks struct {
	// OnConnect runs at the end of Initialize. An error aborts the
	// connection and leaves it uninitialized.
	OnConnect func(c *Connection) error

	// OnDisconnect runs at the start of Reset.
	OnDisconnect func(c *Connection)
}

// Connection is one client attached to a session.
type Connection struct {
	mu     sync.Mutex
	users  user.Store
	hooks  ConnectionHooks
	state  ConnectionState
	id     string
	login  string
	secret string
	period period.Period
	since  time.Time
	lease  *pool.Lease
}

// NewConnection creates an uninitialized connection. users verifies the
// credentials during Initialize; nil skips the check.
func NewConnection(users user.Store, hooks ConnectionHooks) *Connection {
	return &Connection{users: users, hooks: hooks}
}

// NewConnectionID returns a fresh random connection id.
func NewConnectionID() string {
	return uuid.NewString()
}

func (c *Connection) guardLocked(field string) error {
	if c.state == ConnInitialized || c.state == ConnConnected {
		return &cmserrors.AlreadyInitializedError{Object: "connection " + c.id, Field: field}
	}
	return nil
}

// SetID sets the connection id. Setters fail while the connection is live.
func (c *Connection) SetID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardLocked("id"); err != nil {
		return err
	}
	c.id = id
	return nil
}

// SetLogin sets the client login.
func (c *Connection) SetLogin(login string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardLocked("login"); err != nil {
		return err
	}
	c.login = login
	return nil
}

// SetPassword sets the plaintext password checked by Initialize.
func (c *Connection) SetPassword(password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardLocked("password"); err != nil {
		return err
	}
	c.secret = password
	return nil
}

// SetPeriod sets the window the client may stay connected in.
func (c *Connection) SetPeriod(p period.Period) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.guardLocked("period"); err != nil {
		return err
	}
	c.period = p
	return nil
}

// Initialize checks that id, login, password and a valid period are set,
// verifies the password and runs the connect hook. The plaintext password
// is dropped whatever the outcome.
func (c *Connection) Initialize() error {
	c.mu.Lock()
	if err := c.guardLocked(""); err != nil {
		c.mu.Unlock()
		return err
	}
	secret := c.secret
	c.secret = ""
	missing := ""
	switch {
	case c.id == "":
		missing = "id"
	case c.login == "":
		missing = "login"
	case secret == "":
		missing = "password"
	}
	if missing != "" {
		c.mu.Unlock()
		return &cmserrors.NotInitializedError{Object: "connection " + c.id, Reason: missing + " is not set"}
	}
	if err := c.period.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	login := c.login
	c.mu.Unlock()

	if c.users != nil {
		if err := c.users.MatchPassword(login, secret); err != nil {
			logger.Warn("connection refused", logger.KeyLogin, login, logger.KeyError, err)
			return err
		}
	}

	c.mu.Lock()
	c.state = ConnInitialized
	c.mu.Unlock()

	if c.hooks.OnConnect != nil {
		if err := c.hooks.OnConnect(c); err != nil {
			c.mu.Lock()
			c.state = ConnUninitialized
			c.mu.Unlock()
			return fmt.Errorf("connect hook: %w", err)
		}
	}

	c.mu.Lock()
	c.state = ConnConnected
	c.since = time.Now()
	c.mu.Unlock()
	logger.Debug("client connected", logger.KeyConnectionID, c.ID(), logger.KeyLogin, login)
	return nil
}

// Hold attaches the distributable resources taken for the client. They are
// released by Reset.
func (c *Connection) Hold(l *pool.Lease) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ConnConnected {
		return &cmserrors.NotInitializedError{Object: "connection " + c.id, Reason: "hold on a connection that is not connected"}
	}
	if c.lease != nil {
		return &cmserrors.AlreadyInitializedError{Object: "connection " + c.id, Field: "lease"}
	}
	c.lease = l
	return nil
}

// Reset runs the disconnect hook, releases the held resources and clears
// every field. It fails on a connection that was never initialized; of two
// concurrent calls only one runs the hook.
func (c *Connection) Reset() error {
	c.mu.Lock()
	if c.state != ConnInitialized && c.state != ConnConnected {
		c.mu.Unlock()
		return &cmserrors.NotInitializedError{Object: "connection " + c.id, Reason: "reset before initialize"}
	}
	c.state = ConnDisconnected
	lease := c.lease
	c.lease = nil
	c.mu.Unlock()

	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(c)
	}
	if err := lease.Release(); err != nil {
		logger.Error("client resource release failed", logger.KeyConnectionID, c.ID(), logger.KeyError, err)
	}

	c.mu.Lock()
	logger.Debug("client disconnected", logger.KeyConnectionID, c.id, logger.KeyLogin, c.login)
	c.id, c.login, c.secret = "", "", ""
	c.period = period.Period{}
	c.since = time.Time{}
	c.mu.Unlock()
	return nil
}

// State returns the connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns the connection id, empty after Reset.
func (c *Connection) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Login returns the client login, empty after Reset.
func (c *Connection) Login() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login
}

// Period returns the connection window.
func (c *Connection) Period() period.Period {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.period
}

// ConnectedAt returns when the connection reached the connected state.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.since
}
