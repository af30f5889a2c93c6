package model

import "time"

// AuditActionSSHConnect is recorded whenever a browser opens a shell session.
const AuditActionSSHConnect = "ssh_connect"

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	ID             int64             `json:"id,omitempty"`
	Actor          string            `json:"actor"`
	Action         string            `json:"action"`
	TargetNode     string            `json:"targetNode"`
	TargetHostname string            `json:"targetHostname,omitempty"`
	ShellUsername  string            `json:"shellUsername,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Node is the slice of the inventory record the relay reads.
type Node struct {
	MACAddress string    `json:"macAddress"`
	Hostname   string    `json:"hostname"`
	LastSeen   time.Time `json:"lastSeen"`
}
