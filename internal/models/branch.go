package models

import "time"

// BranchServer is the network location and credentials of one branch node.
type BranchServer struct {
	ID                 int64      `json:"id"`
	BranchID           int64      `json:"branch_id"`
	IPAddress          string     `json:"ip_address"`
	VPNAddress         string     `json:"vpn_ip_address,omitempty"`
	PublicAddress      string     `json:"public_ip_address,omitempty"`
	APIPort            int        `json:"api_port"`
	APIKey             string     `json:"-"`
	NetworkType        string     `json:"network_type"`
	Status             string     `json:"status"`
	IsActive           bool       `json:"is_active"`
	LastResponseTimeMs *int64     `json:"last_response_time_ms,omitempty"`
	LastPingAt         *time.Time `json:"last_ping_at,omitempty"`
}

// ConnectionHealthLog records one dispatch attempt.
type ConnectionHealthLog struct {
	ID             int64     `json:"id"`
	Source         string    `json:"source"`
	Target         string    `json:"target"`
	BranchID       int64     `json:"branch_id"`
	Endpoint       string    `json:"endpoint"`
	Status         string    `json:"status"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
