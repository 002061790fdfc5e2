package model

import "time"

// TicketType names a keep-alive reason. Types with a non-zero Lifetime expire
// automatically once the lifetime elapses.
type TicketType struct {
	Name     string
	Lifetime time.Duration
}

func (t TicketType) String() string { return t.Name }

// MaxTicketLevel is the weakest level that still keeps a cell alive. Lower
// levels are stronger holds. A ticket at MaxTicketLevel holds the cell
// indefinitely while referenced.
const MaxTicketLevel uint8 = 33

// Well-known ticket types used by the scheduling substrate.
var (
	// TicketTaskHold pins a cell while the deferred task queue has a
	// non-empty bucket for it.
	TicketTaskHold = TicketType{Name: "region_scheduler_api_hold"}
	// TicketMailboxHold pins a cell while a cross-region mailbox item
	// targeting it is waiting to be admitted.
	TicketMailboxHold = TicketType{Name: "task_queue"}
	// TicketPlayer is used by load generators to simulate a viewer.
	TicketPlayer = TicketType{Name: "player"}
	// TicketForced pins a cell until explicitly released.
	TicketForced = TicketType{Name: "forced"}
	// TicketPostTeleport keeps a destination loaded briefly after arrival.
	TicketPostTeleport = TicketType{Name: "post_teleport", Lifetime: 5 * time.Second}
)
