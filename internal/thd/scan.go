package thd

import (
	"log"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortCandidate is one enumerated serial port, ordered by likelihood of
// being the logger's USB-CDC bridge. Ephemeral: consumed by negotiation,
// never retained.
type PortCandidate struct {
	Name    string `json:"name"`
	IsUSB   bool   `json:"isUsb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Product string `json:"product,omitempty"`
}

// USB-serial bridge vendors seen on THD 32000 units. The logger itself has
// no vendor ID; it always sits behind one of these converter chips.
var preferredVIDs = map[string]bool{
	"1A86": true, // WCH CH340/CH341
	"0403": true, // FTDI
	"10C4": true, // Silicon Labs CP210x
	"067B": true, // Prolific PL2303
}

// ListCandidates enumerates host serial ports, best candidates first:
// known bridge VIDs, then other USB ports, then everything else. It queries
// OS metadata only and never opens a port. An empty result is not an error.
func ListCandidates() []PortCandidate {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		log.Printf("[scan] enumerate ports: %v", err)
		return nil
	}
	return orderCandidates(ports)
}

func orderCandidates(ports []*enumerator.PortDetails) []PortCandidate {
	var known, usb, rest []PortCandidate
	for _, p := range ports {
		c := PortCandidate{
			Name:    p.Name,
			IsUSB:   p.IsUSB,
			VID:     strings.ToUpper(p.VID),
			PID:     strings.ToUpper(p.PID),
			Product: p.Product,
		}
		switch {
		case p.IsUSB && preferredVIDs[c.VID]:
			known = append(known, c)
		case p.IsUSB:
			usb = append(usb, c)
		default:
			rest = append(rest, c)
		}
	}

	out := make([]PortCandidate, 0, len(ports))
	out = append(out, known...)
	out = append(out, usb...)
	out = append(out, rest...)
	return out
}
