package protocol

import "strings"

// Type is the value of the "type" field of a frame.
type Type string

const (
	// Agent <-> relay handshake
	TypeAuth     Type = "auth"
	TypeAuthOK   Type = "auth-ok"
	TypeAuthFail Type = "auth-fail"

	// Browser -> relay
	TypeConnect Type = "connect"
	TypeInput   Type = "input"
	TypeResize  Type = "resize"

	// Relay -> browser
	TypeConnected    Type = "connected"
	TypeOutput       Type = "output"
	TypeDisconnected Type = "disconnected"
	TypeError        Type = "error"

	// Relay <-> agent, session scoped
	TypeSSHStart  Type = "ssh-start"
	TypeSSHReady  Type = "ssh-ready"
	TypeSSHData   Type = "ssh-data"
	TypeSSHResize Type = "ssh-resize"
	TypeSSHClose  Type = "ssh-close"
	TypeSSHError  Type = "ssh-error"
)

const (
	// BrowserPath is the upgrade path for browser terminals.
	BrowserPath = "/ws/ssh"

	// AgentPath is the upgrade path for node agents.
	AgentPath = "/ws/agent"
)

// Message is implemented by every frame variant.
type Message interface {
	MessageType() Type
}

// Auth is the first frame an agent sends after the upgrade.
type Auth struct {
	APIKey string `json:"apiKey"`
	MAC    string `json:"mac"`
}

// AuthOK acknowledges a successful agent handshake.
type AuthOK struct{}

// AuthFail rejects an agent handshake. The relay closes right after.
type AuthFail struct{}

// Connect asks the relay to open a shell on the node identified by MAC.
type Connect struct {
	MAC      string `json:"mac"`
	Username string `json:"username"`
}

// SSHStart instructs an agent to open a shell for a new session.
// PrivateKey may be empty; the agent answers with SSHError in that case.
type SSHStart struct {
	SessionID  string `json:"sessionId"`
	Username   string `json:"username"`
	PrivateKey string `json:"privateKey"`
}

// SSHReady reports that the shell for SessionID is open.
type SSHReady struct {
	SessionID string `json:"sessionId"`
}

// Connected tells the browser its shell is open.
type Connected struct{}

// Input carries raw keystrokes from the browser.
type Input struct {
	Data string `json:"data"`
}

// SSHData carries base64 encoded shell bytes between relay and agent.
type SSHData struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// Output carries shell output to the browser as UTF-8 text.
type Output struct {
	Data string `json:"data"`
}

// Resize reports the browser terminal dimensions.
type Resize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// SSHResize forwards a terminal resize to the agent.
type SSHResize struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// SSHClose ends a session. Either side may send it.
type SSHClose struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// SSHError reports a shell failure for a session.
type SSHError struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// Disconnected tells the browser its shell has closed.
type Disconnected struct {
	Message string `json:"message,omitempty"`
}

// Error reports a routing or shell failure to the browser.
type Error struct {
	Message string `json:"message,omitempty"`
}

func (Auth) MessageType() Type         { return TypeAuth }
func (AuthOK) MessageType() Type       { return TypeAuthOK }
func (AuthFail) MessageType() Type     { return TypeAuthFail }
func (Connect) MessageType() Type      { return TypeConnect }
func (SSHStart) MessageType() Type     { return TypeSSHStart }
func (SSHReady) MessageType() Type     { return TypeSSHReady }
func (Connected) MessageType() Type    { return TypeConnected }
func (Input) MessageType() Type        { return TypeInput }
func (SSHData) MessageType() Type      { return TypeSSHData }
func (Output) MessageType() Type       { return TypeOutput }
func (Resize) MessageType() Type       { return TypeResize }
func (SSHResize) MessageType() Type    { return TypeSSHResize }
func (SSHClose) MessageType() Type     { return TypeSSHClose }
func (SSHError) MessageType() Type     { return TypeSSHError }
func (Disconnected) MessageType() Type { return TypeDisconnected }
func (Error) MessageType() Type        { return TypeError }

// CanonicalNodeID normalises a hardware address to the form used as the
// registry key.
func CanonicalNodeID(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}
