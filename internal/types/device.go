package types

import (
	"fmt"
	"net"
	"strconv"
)

type Protocol string

const (
	ProtocolXGT    Protocol = "xgt"
	ProtocolModbus Protocol = "modbus"
)

// Device is a PLC endpoint. Tags reference it by ID.
type Device struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	Protocol    Protocol `json:"protocol"`
	UnitID      uint8    `json:"unit_id,omitempty"`
	Description string   `json:"description,omitempty"`
	Active      bool     `json:"active"`
}

// Endpoint returns host:port.
func (d Device) Endpoint() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Device) String() string {
	return fmt.Sprintf("%s(%s)", d.Name, d.Endpoint())
}
