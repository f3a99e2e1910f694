package domain

import (
	"strconv"
	"strings"
)

// BrokerMessage is the one shape every broker order-book row and live
// order-update event is normalized into before classification. Fields not
// present on the wire are left at their zero value; Classify only reads
// the ones relevant to its leg/status decision.
//
// Grounded on the teacher's Opportunity-classification shape
// (domain.OpportunityCategory in the pack's arbitrage.go), generalized
// from "score a market snapshot" to "classify a broker order event."
type BrokerMessage struct {
	OrderID     string
	Remarks     string // "<LEG>:<model>:<scrip>:<index>", set by the engine at placement
	OrderRef    string // "<account>:<model>:<scrip>:<date>:<index>", see OrderRef; survives child-leg remarks truncation
	NativeStatus string // broker's own status string: OPEN, TRIGGER_PENDING, COMPLETE, REJECTED, CANCELED
	ParentOrderID string // set when the broker exposes a bracket parent/child scheme
	IsBracketChild bool
	ChildIsSL      bool // when IsBracketChild: true=SL child, false=target child
}

// Classified is the result of Classify: which leg a message belongs to, the
// Position Table index it targets, and its logical status.
type Classified struct {
	Leg    Leg
	Index  int // -1 if the message carries no usable index
	Status LegStatus
}

// Classify maps a broker message onto {leg, index, logical status} per
// spec.md §4.2. Messages with a missing or malformed remarks tag (and no
// usable bracket parent/child fallback) classify as LegUnknown with
// Index -1 and must be skipped by the caller.
func Classify(msg BrokerMessage) Classified {
	leg, idx := legFromRemarks(msg.Remarks)
	if leg == LegUnknown && msg.IsBracketChild {
		leg = LegSL
		if !msg.ChildIsSL {
			leg = LegTarget
		}
		// A bracket child's own remarks tag is frequently stripped or
		// truncated by the broker; OrderRef is the secondary correlation
		// string the engine attaches at placement time that several brokers
		// echo back untouched on every child leg, so it's the fallback for
		// recovering the Position Table index once remarks alone can't.
		idx = indexFromOrderRef(msg.OrderRef)
	}
	if leg == LegUnknown {
		return Classified{Leg: LegUnknown, Index: -1, Status: StatusNone}
	}

	return Classified{
		Leg:    leg,
		Index:  idx,
		Status: statusFor(leg, msg.NativeStatus),
	}
}

// legFromRemarks parses "<LEG>:<model>:<scrip>:<index>". It returns
// (LegUnknown, -1) for anything that doesn't fit that shape.
func legFromRemarks(remarks string) (Leg, int) {
	if remarks == "" {
		return LegUnknown, -1
	}
	parts := strings.Split(remarks, ":")
	if len(parts) < 2 {
		return LegUnknown, -1
	}
	leg := Leg(parts[0])
	switch leg {
	case LegEntry, LegSL, LegTarget:
	default:
		return LegUnknown, -1
	}
	idx, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return LegUnknown, -1
	}
	return leg, idx
}

// indexFromOrderRef extracts the trailing index field from an OrderRef
// string ("<account>:<model>:<scrip>:<date>:<index>"), returning -1 if ref
// is blank or malformed.
func indexFromOrderRef(ref string) int {
	if ref == "" {
		return -1
	}
	parts := strings.Split(ref, ":")
	idx, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return -1
	}
	return idx
}

// statusFor maps the native broker status to the logical status for a leg,
// per the table in spec.md §4.2.
func statusFor(leg Leg, native string) LegStatus {
	switch native {
	case "REJECTED":
		return StatusRejected
	case "CANCELED", "CANCELLED":
		return StatusCanceled
	}

	switch leg {
	case LegEntry:
		if native == "COMPLETE" {
			return StatusEntryFilled
		}
	case LegSL:
		switch native {
		case "COMPLETE":
			return StatusSLHit
		case "TRIGGER_PENDING":
			return StatusSLArmed
		}
	case LegTarget:
		switch native {
		case "COMPLETE":
			return StatusTargetHit
		case "OPEN":
			return StatusTargetArmed
		}
	}
	return LegStatus(native)
}

// BuildRemarks formats the correlation tag the engine attaches at order
// placement time: "<LEG>:<model>:<scrip>:<index>". The index must survive
// round-trip through the broker (spec.md §6).
func BuildRemarks(leg Leg, model, scrip string, index int) string {
	return strings.Join([]string{string(leg), model, scrip, strconv.Itoa(index)}, ":")
}
