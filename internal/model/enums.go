package model

import (
	"fmt"
	"time"
)

// Side is the direction of an execution or a position.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() int {
	if s == Sell {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ExecType classifies what an execution represents.
type ExecType string

const (
	ExecTrade       ExecType = "TRADE"
	ExecTransfer    ExecType = "TRANSFER"
	ExecLiquidation ExecType = "LIQUIDATION"
	ExecFunding     ExecType = "FUNDING"
)

// ClientType determines how a client's balance is kept up to date.
// BASIC clients are polled on a rotating schedule, FULL clients get a
// live websocket fill stream and a fast equity loop.
type ClientType string

const (
	ClientBasic ClientType = "BASIC"
	ClientFull  ClientType = "FULL"
)

// Priority orders REST requests inside the scheduler. Lower values are
// served first.
type Priority int

const (
	PriorityForce Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// Interval returns the minimum spacing between forced balance fetches
// at this priority.
func (p Priority) Interval() time.Duration {
	switch p {
	case PriorityForce:
		return time.Second
	case PriorityHigh:
		return 15 * time.Second
	case PriorityMedium:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityForce:
		return "FORCE"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}
