package models

import "time"

// NodeState is the lifecycle state of a rented instance.
type NodeState string

const (
	NodeRenting     NodeState = "renting"
	NodeActive      NodeState = "active"
	NodeTerminating NodeState = "terminating"
	NodeTerminated  NodeState = "terminated"
)

// Node is a compute instance rented from an accepted offer.
type Node struct {
	OfferID    int64     `json:"offer_id"`
	InstanceID int64     `json:"instance_id"`
	State      NodeState `json:"state"`
	Label      string    `json:"label,omitempty"`
	RentedAt   time.Time `json:"rented_at"`
}
